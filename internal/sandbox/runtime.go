package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dop251/goja"

	"github.com/conneroisu/previewd/internal/errors"
)

// DefaultRenderTimeout bounds one inline render.
const DefaultRenderTimeout = 2 * time.Second

// RuntimeConfig configures the inline renderer.
type RuntimeConfig struct {
	Timeout       time.Duration
	EntryFunction string
	Clock         clock.Clock
}

// Runtime renders transformed components to static HTML in a goja VM. Each
// render gets a fresh VM, so no state survives between revisions.
type Runtime struct {
	config RuntimeConfig
}

// NewRuntime creates an inline renderer.
func NewRuntime(config RuntimeConfig) *Runtime {
	if config.Timeout <= 0 {
		config.Timeout = DefaultRenderTimeout
	}
	config.EntryFunction = identOr(config.EntryFunction, "Component")
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Runtime{config: config}
}

// Render evaluates CommonJS code, locates the entry function and renders it.
// The entry is a top-level function of that name, else the export of that
// name, else the default export. Only "react" can be required. Evaluation
// failures are runtime errors.
func (r *Runtime) Render(ctx context.Context, code string) (string, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(1024)

	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return "", errors.NewInternalError(errors.ErrCodeInternalError, "preparing render runtime", err)
		}
	}
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, noop)
	}
	_ = vm.Set("console", console)
	_ = vm.Set("setTimeout", noop)
	_ = vm.Set("setInterval", noop)
	_ = vm.Set("clearTimeout", noop)
	_ = vm.Set("clearInterval", noop)

	timer := r.config.Clock.AfterFunc(r.config.Timeout, func() {
		vm.Interrupt("render timeout exceeded")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("render cancelled")
	})
	defer stop()

	if _, err := vm.RunScript("prelude.js", prelude); err != nil {
		return "", errors.NewInternalError(errors.ErrCodeInternalError, "loading render prelude", err)
	}

	script := fmt.Sprintf(`(function (module, exports, require) {
%s
;
var __entry = typeof %[2]s === "function" ? %[2]s : __exported(module.exports, "%[2]s");
if (typeof __entry !== "function") {
  throw new Error("Could not find a function named '%[2]s'");
}
return __renderToString(React.createElement(__entry, null));
})(__module, __module.exports, __require)`, code, r.config.EntryFunction)

	value, err := vm.RunScript("component.js", script)
	if err != nil {
		return "", runtimeFailure(err)
	}
	return value.String(), nil
}

func runtimeFailure(err error) *errors.PreviewError {
	var exception *goja.Exception
	if stderrors.As(err, &exception) {
		return errors.NewRuntimeError("Evaluation error: "+exception.Value().String(), err)
	}
	var interrupted *goja.InterruptedError
	if stderrors.As(err, &interrupted) {
		return errors.NewRuntimeError(fmt.Sprintf("Evaluation error: %v", interrupted.Value()), err)
	}
	return errors.NewRuntimeError("Evaluation error: "+err.Error(), err)
}

// prelude defines a minimal React: elements are plain objects, hooks return
// their initial values, and __renderToString serializes the tree.
const prelude = `
var React = (function () {
  var Fragment = { fragment: true };
  function createElement(type, props) {
    var children = Array.prototype.slice.call(arguments, 2);
    return { $$element: true, type: type, props: props || {}, children: children };
  }
  function Component(props) { this.props = props; this.state = {}; }
  Component.prototype.setState = function () {};
  Component.prototype.forceUpdate = function () {};
  Component.prototype.isReactComponent = {};
  var idCounter = 0;
  return {
    Fragment: Fragment,
    createElement: createElement,
    Component: Component,
    PureComponent: Component,
    useState: function (init) { return [typeof init === "function" ? init() : init, function () {}]; },
    useReducer: function (reducer, init, initFn) { return [initFn ? initFn(init) : init, function () {}]; },
    useEffect: function () {},
    useLayoutEffect: function () {},
    useInsertionEffect: function () {},
    useRef: function (value) { return { current: value === undefined ? null : value }; },
    useMemo: function (fn) { return fn(); },
    useCallback: function (fn) { return fn; },
    useContext: function (ctx) { return ctx ? ctx._value : undefined; },
    useId: function () { idCounter++; return ":r" + idCounter + ":"; },
    useTransition: function () { return [false, function (fn) { fn(); }]; },
    useDeferredValue: function (value) { return value; },
    createContext: function (value) {
      var ctx = { _value: value };
      ctx.Provider = function (props) { ctx._value = props.value; return props.children; };
      ctx.Consumer = function (props) { return props.children(ctx._value); };
      return ctx;
    },
    createRef: function () { return { current: null }; },
    forwardRef: function (render) { return function (props) { return render(props, null); }; },
    memo: function (component) { return component; }
  };
})();
var useState = React.useState, useEffect = React.useEffect, useRef = React.useRef,
  useContext = React.useContext, useReducer = React.useReducer, useCallback = React.useCallback,
  useMemo = React.useMemo, useLayoutEffect = React.useLayoutEffect, useId = React.useId,
  useTransition = React.useTransition, useDeferredValue = React.useDeferredValue,
  createContext = React.createContext, createRef = React.createRef, forwardRef = React.forwardRef,
  memo = React.memo, Fragment = React.Fragment;

var __module = { exports: {} };

function __require(name) {
  if (name === "react") return React;
  throw new Error("Cannot find module '" + name + "'");
}

function __exported(exports, name) {
  if (!exports) return undefined;
  if (typeof exports[name] === "function") return exports[name];
  return exports["default"];
}

var __voidElements = { area: 1, base: 1, br: 1, col: 1, embed: 1, hr: 1, img: 1, input: 1,
  link: 1, meta: 1, source: 1, track: 1, wbr: 1 };
var __unitless = { opacity: 1, zIndex: 1, flex: 1, flexGrow: 1, flexShrink: 1, fontWeight: 1,
  lineHeight: 1, order: 1, zoom: 1 };

function __escape(text) {
  return String(text).replace(/&/g, "&amp;").replace(/</g, "&lt;").replace(/>/g, "&gt;")
    .replace(/"/g, "&quot;").replace(/'/g, "&#39;");
}

function __style(style) {
  var out = [];
  for (var key in style) {
    var value = style[key];
    if (value === null || value === undefined || value === false || value === "") continue;
    if (typeof value === "number" && value !== 0 && !__unitless[key]) value = value + "px";
    out.push(key.replace(/[A-Z]/g, function (m) { return "-" + m.toLowerCase(); }) + ":" + value);
  }
  return out.join(";");
}

function __renderToString(node) {
  if (node === null || node === undefined || node === true || node === false) return "";
  if (Array.isArray(node)) return node.map(__renderToString).join("");
  if (typeof node === "string" || typeof node === "number") return __escape(node);
  if (!node.$$element) return "";

  var type = node.type;
  var props = node.props;
  var children = node.children.length ? node.children
    : (props.children !== undefined ? [props.children] : []);

  if (type === React.Fragment) return __renderToString(children);

  if (typeof type === "function") {
    var merged = {};
    for (var k in props) merged[k] = props[k];
    if (node.children.length) merged.children = node.children.length === 1 ? node.children[0] : node.children;
    if (type.prototype && type.prototype.isReactComponent) {
      var instance = new type(merged);
      instance.props = merged;
      return __renderToString(instance.render());
    }
    return __renderToString(type(merged));
  }

  var html = "<" + type;
  for (var name in props) {
    if (name === "children" || name === "key" || name === "ref" || name === "dangerouslySetInnerHTML") continue;
    var value = props[name];
    if (value === null || value === undefined || value === false) continue;
    if (typeof value === "function" || /^on[A-Z]/.test(name)) continue;
    var attr = name === "className" ? "class" : name === "htmlFor" ? "for" : name;
    if (attr === "style" && typeof value === "object") value = __style(value);
    if (value === true) { html += " " + attr; continue; }
    html += " " + attr + "=\"" + __escape(value) + "\"";
  }
  if (__voidElements[type]) return html + "/>";
  html += ">";
  if (props.dangerouslySetInnerHTML && props.dangerouslySetInnerHTML.__html !== undefined) {
    html += props.dangerouslySetInnerHTML.__html;
  } else {
    html += __renderToString(children);
  }
  return html + "</" + type + ">";
}
`
