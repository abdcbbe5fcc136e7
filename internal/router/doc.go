// Package router maps a parsed request onto a virtual host, a location and a
// serving decision.
//
// Routing happens in two steps so the connection can learn the body limit
// before reading the body:
//
//	rt := r.Select(req.Host, req.Path)   // host, location, merged settings
//	parser.SetBodyLimit(rt.BodyLimit())
//	...
//	err := r.Resolve(rt, req.Method)      // redirect, static, directory, CGI, upload, delete
//
// Location matching tries glob locations (doublestar syntax) in declaration
// order first, then picks the longest segment-aware prefix location. Aliases
// are applied after the location is chosen; the longest alias prefix wins
// and replaces root for the matching part of the path.
//
// Every result is a pure function of the configuration, the request and the
// filesystem state, so identical inputs always route the same way.
package router
