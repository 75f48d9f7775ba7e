package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/previewd/internal/build"
	"github.com/conneroisu/previewd/internal/errors"
)

func TestRuntime_Render(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{
			name: "null component",
			code: `function Component() { return null }`,
			want: "",
		},
		{
			name: "class and children",
			code: `function Component() { return React.createElement("div", { className: "card" }, "Hello ", React.createElement("b", null, "world")); }`,
			want: `<div class="card">Hello <b>world</b></div>`,
		},
		{
			name: "style object and handlers",
			code: `function Component() { return React.createElement("p", { style: { fontSize: 12, opacity: 0.5 }, onClick: function () {} }, "x"); }`,
			want: `<p style="font-size:12px;opacity:0.5">x</p>`,
		},
		{
			name: "hooks as globals",
			code: `function Component() { const [count] = useState(3); const ref = useRef(null); useEffect(function () {}); return React.createElement("span", null, count); }`,
			want: `<span>3</span>`,
		},
		{
			name: "nested components and fragments",
			code: `function Item(props) { return React.createElement("li", null, props.label); }
function Component() { return React.createElement(React.Fragment, null, [1, 2].map(function (n) { return React.createElement(Item, { key: n, label: "n" + n }); })); }`,
			want: `<li>n1</li><li>n2</li>`,
		},
		{
			name: "void elements and escaping",
			code: `function Component() { return React.createElement("div", { title: "a\"b" }, React.createElement("br", null), "<tag>"); }`,
			want: `<div title="a&quot;b"><br/>&lt;tag&gt;</div>`,
		},
		{
			name: "arrow component",
			code: `const Component = () => React.createElement("i", null, "arrow");`,
			want: `<i>arrow</i>`,
		},
		{
			name: "named export only",
			code: `module.exports.Component = function () { return React.createElement("em", null, "named"); };`,
			want: `<em>named</em>`,
		},
		{
			name: "default export only",
			code: `exports.default = function () { return React.createElement("u", null, "default"); };`,
			want: `<u>default</u>`,
		},
		{
			name: "require react",
			code: `var R = require("react"); function Component() { return R.createElement("s", null, "req"); }`,
			want: `<s>req</s>`,
		},
	}

	runtime := NewRuntime(RuntimeConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := runtime.Render(context.Background(), tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuntime_RenderErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		message string
	}{
		{
			name:    "missing entry",
			code:    `function App() { return null }`,
			message: "Could not find a function named 'Component'",
		},
		{
			name:    "throws during render",
			code:    `function Component() { throw new Error("boom") }`,
			message: "boom",
		},
		{
			name:    "unknown module",
			code:    `var lodash = require("lodash"); function Component() { return null }`,
			message: "Cannot find module 'lodash'",
		},
		{
			name:    "reference error",
			code:    `function Component() { return missing.value }`,
			message: "missing",
		},
	}

	runtime := NewRuntime(RuntimeConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runtime.Render(context.Background(), tt.code)
			require.Error(t, err)
			assert.Equal(t, errors.KindRuntime, errors.KindOf(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestRuntime_RenderTimeout(t *testing.T) {
	runtime := NewRuntime(RuntimeConfig{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := runtime.Render(context.Background(), `function Component() { while (true) {} }`)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "render timeout exceeded")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRuntime_RenderTimeoutUsesClock(t *testing.T) {
	clk := clock.NewMock()
	runtime := NewRuntime(RuntimeConfig{Timeout: time.Second, Clock: clk})

	done := make(chan error, 1)
	go func() {
		_, err := runtime.Render(context.Background(), `function Component() { while (true) {} }`)
		done <- err
	}()

	var err error
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "render timeout exceeded")
}

func TestRuntime_RenderCancelled(t *testing.T) {
	runtime := NewRuntime(RuntimeConfig{Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := runtime.Render(ctx, `function Component() { while (true) {} }`)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "render cancelled")
}

func TestRuntime_NoHostGlobals(t *testing.T) {
	runtime := NewRuntime(RuntimeConfig{})

	got, err := runtime.Render(context.Background(),
		`function Component() { return React.createElement("p", null, typeof process + "," + typeof __dirname); }`)

	require.NoError(t, err)
	assert.Equal(t, "<p>undefined,undefined</p>", got)
}

func TestRuntime_RenderTransformedModules(t *testing.T) {
	engine := build.NewESBuildEngine()
	require.NoError(t, engine.Initialize(context.Background()))
	opts := build.TransformOptions{
		Loader:      "jsx",
		JSXFactory:  "React.createElement",
		JSXFragment: "React.Fragment",
		Target:      "es2015",
		Sourcefile:  "component.jsx",
	}

	tests := []struct {
		name   string
		source string
		want   string
	}{
		{
			name:   "plain declaration",
			source: `function Component() { return <div>hi</div>; }`,
			want:   `<div>hi</div>`,
		},
		{
			name: "export as default",
			source: `function Component() { return <div>aliased</div>; }
export { Component as default };`,
			want: `<div>aliased</div>`,
		},
		{
			name: "export list",
			source: `function Helper() { return <b>helper</b>; }
function Component() { return <p><Helper /></p>; }
export { Helper, Component };`,
			want: `<p><b>helper</b></p>`,
		},
		{
			name:   "anonymous default export",
			source: `export default function () { return <i>anonymous</i>; }`,
			want:   `<i>anonymous</i>`,
		},
		{
			name: "default export of a binding",
			source: `const Component = () => <span>arrow</span>;
export default Component;`,
			want: `<span>arrow</span>`,
		},
		{
			name: "react imports",
			source: `import React, { useState } from "react";
export function Component() { const [n] = useState(2); return <>{n}</>; }`,
			want: `2`,
		},
		{
			name: "aliased named export",
			source: `function Card() { return <section>card</section>; }
export { Card as Component };`,
			want: `<section>card</section>`,
		},
	}

	runtime := NewRuntime(RuntimeConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := engine.Transform(context.Background(), tt.source, opts)
			require.NoError(t, err)
			assert.NotRegexp(t, `(?m)^\s*(import|export)\b`, code)

			got, err := runtime.Render(context.Background(), code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
