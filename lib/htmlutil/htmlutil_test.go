package htmlutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const loginPage = `<html><head>
<script src="/static/app.js"></script>
<script>
  var CONFIG = { "__fp": "fp-from-script" };
</script>
</head><body>
<form action="/action/Login" method="post">
  <input type="hidden" name="_sourcePage" value="src-1" />
  <input type="HIDDEN" name="__fp" value="fp-1" />
  <input type="hidden" value="nameless" />
  <input type="text" name="username" />
</form>
</body></html>`

func TestHiddenInputs(t *testing.T) {
	doc, err := Parse([]byte(loginPage))
	if err != nil {
		t.Fatal(err)
	}

	fields := HiddenInputs(doc.Selection)
	expected := []Field{
		{Name: "_sourcePage", Value: "src-1"},
		{Name: "__fp", Value: "fp-1"},
	}
	if diff := cmp.Diff(expected, fields); diff != "" {
		t.Fatalf("hidden inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestScriptBodies(t *testing.T) {
	doc, err := Parse([]byte(loginPage))
	if err != nil {
		t.Fatal(err)
	}

	bodies := ScriptBodies(doc)
	require.Len(t, bodies, 1)
	require.Contains(t, bodies[0], "fp-from-script")
}

func TestCleanText(t *testing.T) {
	require.Equal(t, "Jane Doe", CleanText("\n  Jane \t Doe  "))
}
