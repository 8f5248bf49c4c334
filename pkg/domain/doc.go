/*
Package domain contains the core types of the batch engine.

It defines what a client submits (Element, Node), what a handler receives
(Request) and what comes back (Result, Response, Error). The package is kept
free of I/O; transports and storage live in adapters.

# Key Entities

  - Node: the parsed batch tree, a tagged variant of sublists, elements or an invalid node.
  - Element: one sub-request (href, verb, body).
  - Request: the synthesized inner request passed to route handlers.
  - Result: the uniform per-element outcome (status and body).
  - Error: an application error carrying an HTTP-like status and stable codes.
*/
package domain
