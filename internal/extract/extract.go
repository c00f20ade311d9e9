// Package extract parses a rendered page snapshot into structured signals
// using goquery.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/webaudit/sitescan/internal/scan"
)

const maxImages = 50

// metadata flags raised when the page is missing or misusing core tags
const (
	flagMissingTitle       = "missing_title"
	flagTitleTooLong       = "title_too_long"
	flagMissingDescription = "missing_description"
	flagDescriptionTooLong = "description_too_long"
	flagMissingViewport    = "missing_viewport"
	flagMissingH1          = "missing_h1"
	flagMultipleH1         = "multiple_h1"
	flagMissingCanonical   = "missing_canonical"
)

const (
	titleMaxLen       = 70
	descriptionMaxLen = 160
)

// Signals parses html and returns the page's structured signals. The url is
// recorded as-is; callers pass the final (post-redirect) URL.
func Signals(url, html string) (scan.PageSignals, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return scan.PageSignals{}, fmt.Errorf("parse html: %w", err)
	}

	signals := scan.PageSignals{
		URL:          url,
		Title:        strings.TrimSpace(doc.Find("title").First().Text()),
		Description:  metaContent(doc, "meta[name='description']"),
		CanonicalURL: attrOf(doc, "link[rel='canonical']", "href"),
		Viewport:     metaContent(doc, "meta[name='viewport']"),
		OpenGraph:    openGraph(doc),
		Headings:     headings(doc),
		Images:       images(doc),
		TextLength:   len(strings.Fields(doc.Find("body").Text())),
	}
	signals.Accessibility = accessibility(doc)
	signals.MetadataFlags = metadataFlags(signals)
	return signals, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func attrOf(doc *goquery.Document, selector, attr string) string {
	v, _ := doc.Find(selector).First().Attr(attr)
	return strings.TrimSpace(v)
}

func openGraph(doc *goquery.Document) map[string]string {
	og := make(map[string]string)
	doc.Find("meta[property^='og:']").Each(func(_ int, s *goquery.Selection) {
		prop, _ := s.Attr("property")
		content, _ := s.Attr("content")
		prop = strings.TrimPrefix(prop, "og:")
		if prop != "" && content != "" {
			og[prop] = content
		}
	})
	if len(og) == 0 {
		return nil
	}
	return og
}

func headings(doc *goquery.Document) map[string][]string {
	out := make(map[string][]string)
	for _, level := range []string{"h1", "h2", "h3"} {
		doc.Find(level).Each(func(_ int, s *goquery.Selection) {
			text := strings.TrimSpace(s.Text())
			if text != "" {
				out[level] = append(out[level], text)
			}
		})
	}
	return out
}

func images(doc *goquery.Document) []scan.ImageSignal {
	var imgs []scan.ImageSignal
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		alt, _ := s.Attr("alt")
		imgs = append(imgs, scan.ImageSignal{Src: src, Alt: strings.TrimSpace(alt)})
		return len(imgs) < maxImages
	})
	return imgs
}

func accessibility(doc *goquery.Document) scan.AccessibilitySignal {
	var a scan.AccessibilitySignal

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		alt, ok := s.Attr("alt")
		if !ok || strings.TrimSpace(alt) == "" {
			src, _ := s.Attr("src")
			a.ImagesMissingAlt = append(a.ImagesMissingAlt, src)
		}
	})

	doc.Find("input").Each(func(_ int, s *goquery.Selection) {
		typ, _ := s.Attr("type")
		switch strings.ToLower(typ) {
		case "hidden", "submit", "button":
			return
		}
		if labelled(doc, s) {
			return
		}
		name, _ := s.Attr("name")
		a.InputsMissingLabel = append(a.InputsMissingLabel, name)
	})

	doc.Find("button").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) != "" {
			return
		}
		if aria, _ := s.Attr("aria-label"); strings.TrimSpace(aria) != "" {
			return
		}
		id, _ := s.Attr("id")
		a.ButtonsMissingLabel = append(a.ButtonsMissingLabel, id)
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) != "" {
			return
		}
		if aria, _ := s.Attr("aria-label"); strings.TrimSpace(aria) != "" {
			return
		}
		if s.Find("img[alt]").Length() > 0 {
			return
		}
		href, _ := s.Attr("href")
		a.LinksMissingLabel = append(a.LinksMissingLabel, href)
	})

	doc.Find("h1,h2,h3,h4,h5,h6").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) == "" {
			a.EmptyHeadings = append(a.EmptyHeadings, goquery.NodeName(s))
		}
	})

	return a
}

func labelled(doc *goquery.Document, input *goquery.Selection) bool {
	if aria, _ := input.Attr("aria-label"); strings.TrimSpace(aria) != "" {
		return true
	}
	if _, ok := input.Attr("aria-labelledby"); ok {
		return true
	}
	id, ok := input.Attr("id")
	if !ok || id == "" {
		return input.ParentsFiltered("label").Length() > 0
	}
	if doc.Find("label[for='"+id+"']").Length() > 0 {
		return true
	}
	return input.ParentsFiltered("label").Length() > 0
}

func metadataFlags(signals scan.PageSignals) []string {
	var flags []string
	switch {
	case signals.Title == "":
		flags = append(flags, flagMissingTitle)
	case len(signals.Title) > titleMaxLen:
		flags = append(flags, flagTitleTooLong)
	}
	switch {
	case signals.Description == "":
		flags = append(flags, flagMissingDescription)
	case len(signals.Description) > descriptionMaxLen:
		flags = append(flags, flagDescriptionTooLong)
	}
	if signals.Viewport == "" {
		flags = append(flags, flagMissingViewport)
	}
	switch n := len(signals.Headings["h1"]); {
	case n == 0:
		flags = append(flags, flagMissingH1)
	case n > 1:
		flags = append(flags, flagMultipleH1)
	}
	if signals.CanonicalURL == "" {
		flags = append(flags, flagMissingCanonical)
	}
	return flags
}
