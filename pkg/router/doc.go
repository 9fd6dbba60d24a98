/*
Package router provides pattern based routing of resource names.

Patterns are dot-separated token sequences. A token is a literal
(alphanumeric and underscore), a parameter placeholder ($name) capturing a
single token, or a terminal full wildcard (>) consuming the rest of the
name. Matching precedence when several siblings could match a token is
literal first, then parameter, then full wildcard, with backtracking:

	library.book      literal match
	library.$id       matches library.42 with id=42, but not library.book
	                  when both are registered
	library.>         matches any name under library., but not library

Registration rejects ambiguous siblings: two identical literals, two
parameter placeholders with different names, or two full wildcards under the
same parent conflict. A parameter and a literal coexist, resolved by
precedence.

A handler may declare a worker group template whose ${name} references are
substituted with captured parameters at match time, giving the serialization
key used by the service's worker queues.
*/
package router
