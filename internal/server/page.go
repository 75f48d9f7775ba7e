package server

import (
	"github.com/a-h/templ"

	"github.com/conneroisu/previewd/internal/markup"
	"github.com/conneroisu/previewd/internal/preview"
)

// PageData is what the host page is rendered with.
type PageData struct {
	Source string
	Mode   preview.Mode
}

// Page renders the host page: an editor, the preview frame, a status line
// and the undo/redo/retry/reset actions. The frame always carries a sandbox
// attribute without allow-same-origin, so previewed code never shares the
// host's origin.
func Page(data PageData) templ.Component {
	frameSandbox := "allow-scripts"
	if data.Mode == preview.ModeInline {
		frameSandbox = ""
	}

	actions := make([]templ.Component, 0, len(actionOrder))
	for _, action := range actionOrder {
		actions = append(actions, markup.Element("button",
			markup.Attrs("type", "button", "id", action, "data-action", action, "disabled", true),
			markup.Text(actionLabels[action])))
	}

	head := []templ.Component{
		markup.Void("meta", markup.Attrs("charset", "utf-8")),
		markup.Void("meta", markup.Attrs("name", "viewport", "content", "width=device-width, initial-scale=1.0")),
		markup.Element("title", nil, markup.Text("previewd")),
		markup.Style(pageStyle),
	}
	body := []templ.Component{
		markup.Element("header", nil,
			markup.Element("strong", nil, markup.Text("previewd")),
			markup.Element("span", markup.Attrs("id", "status", "data-phase", "initializing", "role", "status"), markup.Text("Connecting…")),
			markup.Element("nav", nil, actions...),
		),
		markup.Element("main", nil,
			markup.Element("textarea", markup.Attrs("id", "editor", "spellcheck", "false", "aria-label", "Component source"),
				markup.Text(data.Source)),
			markup.Element("section", markup.Attrs("id", "output"),
				markup.Element("div", markup.Attrs("id", "banner", "role", "alert", "hidden", true)),
				markup.Element("pre", markup.Attrs("id", "error", "role", "alert", "hidden", true)),
				markup.Element("iframe", markup.Attrs("id", "frame", "title", "Component preview", "sandbox", frameSandbox, "src", "about:blank")),
			),
		),
		templ.JSONScript("preview-config", pageConfig{Mode: data.Mode}),
		markup.Script(pageScript),
	}

	return markup.Page(markup.Attrs("lang", "en"), head, body)
}

type pageConfig struct {
	Mode preview.Mode `json:"mode"`
}

var actionOrder = []string{"undo", "redo", "retry", "reset"}

var actionLabels = map[string]string{
	"undo":  "Undo",
	"redo":  "Redo",
	"retry": "Retry",
	"reset": "Reset view",
}

const pageStyle = `
* { box-sizing: border-box; }
body { margin: 0; font-family: system-ui, sans-serif; height: 100vh; display: flex; flex-direction: column; }
header { display: flex; gap: 1rem; align-items: center; padding: .5rem 1rem; border-bottom: 1px solid #e5e7eb; }
header nav { margin-left: auto; display: flex; gap: .5rem; }
#status { font-size: .875rem; color: #6b7280; }
#status[data-phase="rendered"] { color: #059669; }
#status[data-phase="compile_error"], #status[data-phase="runtime_error"], #status[data-phase="failed"] { color: #dc2626; }
main { flex: 1; display: grid; grid-template-columns: 1fr 1fr; min-height: 0; }
#editor { width: 100%; height: 100%; border: 0; border-right: 1px solid #e5e7eb; padding: 1rem; font: 13px/1.5 ui-monospace, monospace; resize: none; }
#output { display: flex; flex-direction: column; min-height: 0; }
#banner { background: #fef3c7; color: #92400e; padding: .5rem 1rem; font-size: .875rem; }
#error { margin: 0; background: #fef2f2; color: #991b1b; padding: 1rem; white-space: pre-wrap; font-size: 12px; max-height: 40%; overflow: auto; }
#frame { flex: 1; width: 100%; border: 0; background: #fff; }
`

const pageScript = `(function () {
  "use strict";
  var editor = document.getElementById("editor");
  var frame = document.getElementById("frame");
  var statusLine = document.getElementById("status");
  var banner = document.getElementById("banner");
  var errorBox = document.getElementById("error");
  var config = JSON.parse(document.getElementById("preview-config").textContent);
  var labels = {
    initializing: "Initializing compiler…",
    failed: "Compiler unavailable",
    idle: "Waiting for code",
    loading: "Compiling…",
    rendered: "Rendered",
    compile_error: "Compilation error",
    runtime_error: "Runtime error"
  };
  var socket = null;
  var version = -1;
  var instance = "";
  var output = null;

  function send(msg) {
    if (socket && socket.readyState === WebSocket.OPEN) {
      socket.send(JSON.stringify(msg));
    }
  }

  function showFrame(src) {
    frame.removeAttribute("srcdoc");
    frame.setAttribute("sandbox", "allow-scripts");
    frame.src = src;
  }

  function showInline(html) {
    frame.setAttribute("sandbox", "");
    frame.srcdoc = "<!DOCTYPE html><html><body>" + html + "</body></html>";
  }

  function describe(err) {
    var text = err.message || "Unknown error";
    if (err.detail) { text += "\n\n" + err.detail; }
    if (err.context && err.context.stack) { text += "\n\n" + err.context.stack; }
    return text;
  }

  function applyState(st) {
    if (!st || st.version < version) { return; }
    version = st.version;

    statusLine.dataset.phase = st.phase;
    statusLine.textContent = labels[st.phase] || st.phase;

    banner.hidden = !st.banner;
    banner.textContent = st.banner ? st.banner.message : "";

    errorBox.hidden = !st.error;
    errorBox.textContent = st.error ? describe(st.error) : "";

    document.getElementById("undo").disabled = !st.canUndo;
    document.getElementById("redo").disabled = !st.canRedo;
    document.getElementById("retry").disabled = !st.canRetry;
    document.getElementById("reset").disabled = false;

    if (st.mode === "inline") {
      if (st.phase === "rendered" && st.output !== output) {
        output = st.output;
        showInline(output || "");
      } else if (st.phase === "idle") {
        output = null;
        showInline("");
      }
      return;
    }

    if (st.instance && st.instance !== instance) {
      instance = st.instance;
      showFrame("/sandbox/" + encodeURIComponent(instance));
    } else if (!st.instance && st.phase === "idle" && instance) {
      instance = "";
      showFrame("about:blank");
    }
  }

  function applySource(src) {
    if (editor.value !== src) {
      editor.value = src;
    }
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss:" : "ws:";
    socket = new WebSocket(proto + "//" + location.host + "/ws");
    socket.onmessage = function (ev) {
      var msg;
      try { msg = JSON.parse(ev.data); } catch (e) { return; }
      if (msg.type === "state") { applyState(msg.state); }
      else if (msg.type === "source") { applySource(msg.source || ""); }
      else if (msg.type === "error" && msg.error) { console.warn("previewd:", msg.error); }
    };
    socket.onclose = function () {
      statusLine.textContent = "Disconnected, reconnecting…";
      version = -1;
      setTimeout(connect, 1000);
    };
  }

  editor.addEventListener("input", function () {
    send({ type: "edit", source: editor.value });
  });

  document.querySelectorAll("button[data-action]").forEach(function (button) {
    button.addEventListener("click", function () {
      send({ type: button.dataset.action });
    });
  });

  // Relay messages from the current sandbox frame only.
  window.addEventListener("message", function (ev) {
    if (ev.source !== frame.contentWindow || !ev.data || typeof ev.data !== "object") { return; }
    send({ type: "sandbox", message: ev.data });
  });

  if (config.mode === "inline") { frame.setAttribute("sandbox", ""); }
  connect();
})();`
