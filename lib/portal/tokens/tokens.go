// Package tokens pulls the anti-forgery and identity values out of portal
// pages. It is the only place that knows where the portal puts them, so a
// change in page structure should only ever touch this package.
package tokens

import (
	"regexp"
	"strings"

	"gymops-backend/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	FingerprintField = "__fp"
	SourcePageField  = "_sourcePage"
)

// Tokens holds whatever one page exposed. Every pointer is nil when the
// value was not found, callers decide whether that is fatal.
type Tokens struct {
	Fingerprint *string
	SourcePage  *string
	Bearer      *string
	IdentityID  *string
	DelegatedID *string

	// HiddenFields are all named hidden inputs in document order, used to
	// echo a form back exactly as a browser would.
	HiddenFields []htmlutil.Field
	// LoginForm holds the hidden inputs of the login form only, nil when the
	// page has no form. The login post must carry exactly these.
	LoginForm []htmlutil.Field
	// LoginError is the text of the login error element, if rendered.
	LoginError string
}

func (t Tokens) Field(name string) (string, bool) {
	for _, f := range t.HiddenFields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

var (
	fingerprintRegex = regexp.MustCompile(`["']?__fp["']?\s*[:=]\s*["']([^"']+)["']`)
	sourcePageRegex  = regexp.MustCompile(`["']?_sourcePage["']?\s*[:=]\s*["']([^"']+)["']`)
	bearerRegexes    = []*regexp.Regexp{
		regexp.MustCompile(`var\s+ACCESS_TOKEN\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`["']?apiV3AccessToken["']?\s*[:=]\s*["']([^"']+)["']`),
	}
	identityRegex  = regexp.MustCompile(`["']?loggedInUserId["']?\s*[:=]\s*["']?(\d+)`)
	delegatedRegex = regexp.MustCompile(`["']?delegatedUserId["']?\s*[:=]\s*["']?(\d+)`)
)

var loginErrorSelectors = []string{
	"#loginError",
	".login-error",
	"form .error",
	".alert-danger",
	"ul.errors li",
}

// Extract never fails. Markup that cannot be parsed yields empty Tokens.
func Extract(html []byte) Tokens {
	var out Tokens
	doc, err := htmlutil.Parse(html)
	if err != nil {
		return out
	}

	out.HiddenFields = htmlutil.HiddenInputs(doc.Selection)
	if form := loginForm(doc); form.Length() > 0 {
		out.LoginForm = htmlutil.HiddenInputs(form)
		if out.LoginForm == nil {
			out.LoginForm = []htmlutil.Field{}
		}
	}
	if v, ok := out.Field(FingerprintField); ok && v != "" {
		out.Fingerprint = &v
	}
	if v, ok := out.Field(SourcePageField); ok && v != "" {
		out.SourcePage = &v
	}

	scripts := htmlutil.ScriptBodies(doc)
	if out.Fingerprint == nil {
		out.Fingerprint = firstMatch(scripts, fingerprintRegex)
	}
	if out.SourcePage == nil {
		out.SourcePage = firstMatch(scripts, sourcePageRegex)
	}
	for _, r := range bearerRegexes {
		if out.Bearer = firstMatch(scripts, r); out.Bearer != nil {
			break
		}
	}
	out.IdentityID = firstMatch(scripts, identityRegex)
	out.DelegatedID = firstMatch(scripts, delegatedRegex)
	out.LoginError = loginError(doc)

	return out
}

// ExtractString is Extract for callers that hold a string body.
func ExtractString(html string) Tokens {
	return Extract([]byte(html))
}

func firstMatch(scripts []string, r *regexp.Regexp) *string {
	for _, script := range scripts {
		groups := r.FindStringSubmatch(script)
		if len(groups) < 2 {
			continue
		}
		value := strings.TrimSpace(groups[1])
		if value == "" {
			continue
		}
		return &value
	}
	return nil
}

func loginForm(doc *goquery.Document) *goquery.Selection {
	form := doc.Find("form[action*=Login]").First()
	if form.Length() > 0 {
		return form
	}
	return doc.Find("form").First()
}

func loginError(doc *goquery.Document) string {
	for _, selector := range loginErrorSelectors {
		text := htmlutil.CleanText(doc.Find(selector).First().Text())
		if text != "" {
			return text
		}
	}
	return ""
}
