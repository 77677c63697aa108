// Package server exposes appdeck over HTTP.
//
// Most traffic uses the websocket command channel at /ws: clients send
// {id, channel, payload} frames and receive one {id, channel, success,
// data|error} response per frame, plus {channel, data} pushes for the
// streams they enabled. Plain HTTP routes cover health checks, metrics,
// the GitHub push webhook and multipart archive uploads.
//
// Every route except /ws passes through per-IP rate limiting and a
// request timeout. There is no authentication; bind the listener to a
// trusted interface.
package server
