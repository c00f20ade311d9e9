package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const fullPage = `<html><head>
<title> Acme Widgets </title>
<meta name="description" content="Widgets for every budget.">
<meta name="viewport" content="width=device-width, initial-scale=1">
<link rel="canonical" href="https://acme.example.com/">
<meta property="og:title" content="Acme Widgets">
<meta property="og:image" content="https://acme.example.com/og.png">
</head><body>
<h1>Welcome</h1>
<h2>Products</h2>
<h2>Support</h2>
<h3></h3>
<img src="/hero.png" alt="Hero banner">
<img src="/naked.png">
<form>
<label for="email">Email</label><input type="text" id="email" name="email">
<input type="text" name="phone">
<input type="hidden" name="csrf">
</form>
<button></button>
<button>Buy now</button>
<a href="/cart"></a>
<a href="/docs">Read the docs</a>
some body text with several words in it
</body></html>`

func TestSignalsFullPage(t *testing.T) {
	t.Parallel()

	signals, err := Signals("https://acme.example.com", fullPage)
	require.NoError(t, err)

	require.Equal(t, "https://acme.example.com", signals.URL)
	require.Equal(t, "Acme Widgets", signals.Title)
	require.Equal(t, "Widgets for every budget.", signals.Description)
	require.Equal(t, "https://acme.example.com/", signals.CanonicalURL)
	require.NotEmpty(t, signals.Viewport)
	require.Equal(t, "Acme Widgets", signals.OpenGraph["title"])
	require.Equal(t, "https://acme.example.com/og.png", signals.OpenGraph["image"])

	require.Equal(t, []string{"Welcome"}, signals.Headings["h1"])
	require.Equal(t, []string{"Products", "Support"}, signals.Headings["h2"])

	require.Len(t, signals.Images, 2)
	require.Equal(t, "Hero banner", signals.Images[0].Alt)

	require.Equal(t, []string{"/naked.png"}, signals.Accessibility.ImagesMissingAlt)
	require.Equal(t, []string{"phone"}, signals.Accessibility.InputsMissingLabel)
	require.Len(t, signals.Accessibility.ButtonsMissingLabel, 1)
	require.Equal(t, []string{"/cart"}, signals.Accessibility.LinksMissingLabel)
	require.Equal(t, []string{"h3"}, signals.Accessibility.EmptyHeadings)
	require.Equal(t, 5, signals.Accessibility.IssueCount())

	require.Empty(t, signals.MetadataFlags)
	require.Greater(t, signals.TextLength, 5)
}

func TestSignalsBarePageFlags(t *testing.T) {
	t.Parallel()

	signals, err := Signals("https://bare.example.com", "<html><body><p>hi</p></body></html>")
	require.NoError(t, err)

	require.ElementsMatch(t, []string{
		"missing_title",
		"missing_description",
		"missing_viewport",
		"missing_h1",
		"missing_canonical",
	}, signals.MetadataFlags)
}

func TestSignalsLengthFlags(t *testing.T) {
	t.Parallel()

	html := `<html><head>
<title>` + strings.Repeat("long ", 20) + `</title>
<meta name="description" content="` + strings.Repeat("word ", 40) + `">
<meta name="viewport" content="width=device-width">
<link rel="canonical" href="https://x.example.com/">
</head><body><h1>a</h1><h1>b</h1></body></html>`

	signals, err := Signals("https://x.example.com", html)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"title_too_long",
		"description_too_long",
		"multiple_h1",
	}, signals.MetadataFlags)
}

func TestSignalsImageCap(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("<html><body>")
	for range [60]int{} {
		b.WriteString(`<img src="/a.png" alt="a">`)
	}
	b.WriteString("</body></html>")

	signals, err := Signals("https://x.example.com", b.String())
	require.NoError(t, err)
	require.Len(t, signals.Images, 50)
}
