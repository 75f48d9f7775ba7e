// Package markup composes static HTML documents from templ components.
// Attribute values and text are escaped by templ; only script and style
// bodies are written raw.
package markup

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

// Attrs builds ordered attributes from alternating keys and values. Values
// may be strings or bools, as accepted by templ.RenderAttributes.
func Attrs(pairs ...any) templ.OrderedAttributes {
	attrs := make(templ.OrderedAttributes, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, templ.KeyValue[string, any]{Key: key, Value: pairs[i+1]})
	}
	return attrs
}

// Element renders <tag attrs>children</tag>.
func Element(tag string, attrs templ.Attributer, children ...templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := open(ctx, w, tag, attrs); err != nil {
			return err
		}
		if err := templ.Join(children...).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</"+tag+">")
		return err
	})
}

// Void renders an element that has no content and no closing tag.
func Void(tag string, attrs templ.Attributer) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return open(ctx, w, tag, attrs)
	})
}

// Text renders s escaped.
func Text(s string) templ.Component {
	return templ.Raw(templ.EscapeString(s))
}

// Script renders an inline script. The body must already be safe to appear
// inside a script element.
func Script(body string) templ.Component {
	return Element("script", nil, templ.Raw(body))
}

// ExternalScript renders a script loaded from src.
func ExternalScript(src string, extra ...any) templ.Component {
	return Element("script", Attrs(append([]any{"src", src}, extra...)...))
}

// Style renders an inline stylesheet.
func Style(css string) templ.Component {
	return Element("style", nil, templ.Raw(css))
}

// Line renders c followed by a newline.
func Line(c templ.Component) templ.Component {
	return templ.Join(c, templ.Raw("\n"))
}

// Page renders a doctype and an html element around head and body.
func Page(attrs templ.Attributer, head []templ.Component, body []templ.Component) templ.Component {
	return templ.Join(
		templ.Raw("<!DOCTYPE html>\n"),
		Element("html", attrs,
			templ.Raw("\n"),
			Line(Element("head", nil, lines(head)...)),
			Line(Element("body", nil, lines(body)...)),
		),
		templ.Raw("\n"),
	)
}

func lines(cs []templ.Component) []templ.Component {
	out := make([]templ.Component, 0, len(cs)+1)
	out = append(out, templ.Raw("\n"))
	for _, c := range cs {
		out = append(out, Line(c))
	}
	return out
}

func open(ctx context.Context, w io.Writer, tag string, attrs templ.Attributer) error {
	if _, err := io.WriteString(w, "<"+tag); err != nil {
		return err
	}
	if attrs != nil {
		if err := templ.RenderAttributes(ctx, w, attrs); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, ">")
	return err
}
