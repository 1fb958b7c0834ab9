// Package panel serves the browser UI that talks to the hub over the
// WebSocket.
//
// A web root directory holds index.html and the UI assets. /static/<file>
// serves <web root>/<file>; "/" and any other path get index.html so
// client-side routing works. Without a usable web root a small
// embedded placeholder page is served instead.
package panel
