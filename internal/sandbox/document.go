// Package sandbox builds isolated preview documents for compiled bundles,
// routes their lifecycle messages and renders components headlessly.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/a-h/templ"

	"github.com/conneroisu/previewd/internal/markup"
)

// Resources are the fixed external sources every sandbox document loads.
type Resources struct {
	ReactURL    string `json:"react_url" yaml:"react_url"`
	ReactDOMURL string `json:"react_dom_url" yaml:"react_dom_url"`
	StylingURL  string `json:"styling_url" yaml:"styling_url"`
}

// DefaultResources returns the stock framework runtime and styling engine.
func DefaultResources() Resources {
	return Resources{
		ReactURL:    "https://unpkg.com/react@18/umd/react.development.js",
		ReactDOMURL: "https://unpkg.com/react-dom@18/umd/react-dom.development.js",
		StylingURL:  "https://cdn.jsdelivr.net/npm/@tailwindcss/browser@4",
	}
}

// hookNames are exposed as globals so generated code may call them without
// importing.
var hookNames = []string{
	"useState", "useEffect", "useRef", "useContext", "useReducer",
	"useCallback", "useMemo", "useLayoutEffect", "useId", "useTransition",
}

var (
	scriptClose = regexp.MustCompile(`(?i)</(script)`)
	commentOpen = strings.NewReplacer("<!--", `<\!--`)
)

// EscapeScript makes text safe to embed in an inline script element.
func EscapeScript(text string) string {
	return commentOpen.Replace(scriptClose.ReplaceAllString(text, `<\/$1`))
}

const documentStyle = `body { margin: 0; padding: 16px; font-family: system-ui, sans-serif; }
#sandbox-error { background-color: #fee2e2; border: 1px solid #fecaca; border-radius: 0.375rem; padding: 1rem; margin: 1rem; color: #dc2626; }
#sandbox-error p { font-weight: 500; margin: 0; }
#sandbox-error pre { margin-top: 0.5rem; font-size: 0.875rem; overflow: auto; white-space: pre-wrap; }`

// bootstrap runs before any external resource so that failed loads are
// observed. It installs the message poster, the resource error listener, the
// uncaught error handler and the load announcer.
const bootstrap = `(function () {
  var instance = %s;
  function post(msg) {
    msg.instance = instance;
    window.parent.postMessage(msg, "*");
  }
  function showError(title, text) {
    var root = document.getElementById("root") || document.body;
    var box = document.createElement("div");
    box.id = "sandbox-error";
    var heading = document.createElement("p");
    heading.textContent = title;
    var pre = document.createElement("pre");
    pre.textContent = text;
    box.appendChild(heading);
    box.appendChild(pre);
    root.innerHTML = "";
    root.appendChild(box);
  }
  window.__preview = { post: post, showError: showError };
  window.addEventListener("error", function (e) {
    var t = e.target;
    if (t && (t.tagName === "SCRIPT" || t.tagName === "LINK")) {
      post({ type: "resourceError", error: "Resource loading error: " + (t.src || t.href) });
      e.preventDefault();
    }
  }, true);
  window.onerror = function (message, source, lineno, colno) {
    var where = lineno ? " (" + lineno + ":" + colno + ")" : "";
    showError("Runtime Error", String(message) + where);
    post({ type: "error", error: String(message) });
    return true;
  };
  window.addEventListener("load", function () {
    post({ type: "loaded" });
  });
})();`

// mountPrefix and mountSuffix wrap the bundle. The entry is Sandbox.default,
// then the first function export, then a global Component.
const mountPrefix = `(function () {
  var preview = window.__preview;
  try {
    if (window.React) {
      %s.forEach(function (name) {
        if (window.React[name]) { window[name] = window.React[name]; }
      });
    }
`

const mountSuffix = `
    var exported = typeof %[1]s !== "undefined" ? %[1]s : {};
    var Entry = exported && exported["default"];
    if (typeof Entry !== "function" && exported) {
      for (var key in exported) {
        if (typeof exported[key] === "function") { Entry = exported[key]; break; }
      }
    }
    if (typeof Entry !== "function" && typeof %[2]s === "function") { Entry = %[2]s; }
    if (typeof Entry !== "function") {
      throw new Error("Could not find a component to render");
    }
    ReactDOM.createRoot(document.getElementById("root")).render(React.createElement(Entry));
  } catch (err) {
    var text = err && err.message ? err.message : String(err);
    preview.showError("Rendering Error", text);
    preview.post({ type: "error", error: "Rendering error: " + text, stack: err && err.stack ? String(err.stack) : "" });
  }
})();`

// DocumentData is everything needed to synthesize one sandbox document.
type DocumentData struct {
	InstanceKey   string
	Bundle        string
	Resources     Resources
	GlobalName    string
	EntryFunction string
}

// Document renders the standalone sandbox document for a compiled bundle.
func Document(data DocumentData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		key, err := templ.JSONString(data.InstanceKey)
		if err != nil {
			return err
		}
		hooks, err := templ.JSONString(hookNames)
		if err != nil {
			return err
		}

		global := identOr(data.GlobalName, "Sandbox")
		entry := identOr(data.EntryFunction, "Component")

		head := []templ.Component{
			markup.Void("meta", markup.Attrs("charset", "utf-8")),
			markup.Void("meta", markup.Attrs("name", "viewport", "content", "width=device-width, initial-scale=1.0")),
			markup.Element("title", nil, markup.Text("Preview Sandbox")),
			markup.Script(fmt.Sprintf(bootstrap, key)),
		}
		for _, src := range []string{data.Resources.ReactURL, data.Resources.ReactDOMURL, data.Resources.StylingURL} {
			if src != "" {
				head = append(head, markup.ExternalScript(src, "crossorigin", true))
			}
		}
		head = append(head, markup.Style(documentStyle))

		body := []templ.Component{
			markup.Element("div", markup.Attrs("id", "root")),
			markup.Script(fmt.Sprintf(mountPrefix, hooks) + EscapeScript(data.Bundle) + fmt.Sprintf(mountSuffix, global, entry)),
		}

		return markup.Page(nil, head, body).Render(ctx, w)
	})
}

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

func identOr(name, fallback string) string {
	if identifier.MatchString(name) {
		return name
	}
	return fallback
}
