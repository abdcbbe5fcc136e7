// Package config loads the virtual host configuration consumed by the server.
//
// The file is YAML. Every entry of `servers` is a virtual host; hosts sharing
// the same listen address share one listening socket, and the first host
// declared on a socket is its default. Directive names follow the classic
// webserv vocabulary: listen, server_name, root, index, allow_methods,
// error_page, client_max_body_size, cgi_pass, redirect, autoindex, alias,
// plus nested `location` blocks that override any of them for a path prefix
// (or a doublestar glob pattern).
//
// client_max_body_size defaults to 1 MiB; an explicit 0 removes the limit.
//
// # Example
//
//	servers:
//	  - listen: 127.0.0.1:8080
//	    server_name: [example.com]
//	    root: ./www
//	    client_max_body_size: 1MiB
//	    cgi_pass: {.py: /usr/bin/python3}
//	    location:
//	      - path: /upload
//	        allow_methods: [POST]
//	        client_max_body_size: 10
//
// # Lifetime
//
// A Config is produced once at startup by Load and never mutated afterwards,
// so it can be read from any goroutine without synchronization.
package config
