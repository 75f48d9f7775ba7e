// Package internal contains the implementation packages of previewd.
//
// # Package Organization
//
//   - build: compiler engine session, transform cache and bundling
//   - sandbox: isolated instances, their documents and message routing, and
//     the inline renderer
//   - preview: the controller that turns source revisions into preview state
//   - history and workspace: the source buffer with undo and redo
//   - watcher: a source file on disk acting as an editor
//   - server, websocket and middleware: the browser side
//   - markup: templ element builders shared by the host page and sandbox
//     documents
//   - config, logging, errors, monitoring, validation and version: shared
//     infrastructure
//
// # Data Flow
//
// An edit enters the workspace from the browser or the watched file. The
// workspace records it and hands it to the preview controller, which waits
// out the debounce interval, compiles through the build service and either
// mounts the bundle in a new sandbox instance or renders it inline. Every
// committed state change is pushed to connected pages over the websocket.
//
// A revision is only ever shown for the source it was compiled from: a newer
// edit cancels the cycle in flight, and messages from torn-down sandbox
// instances are dropped by key.
package internal
