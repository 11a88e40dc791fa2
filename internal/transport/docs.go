// package transport contains implementations to requirements on *message syntaxes*
// defined by http related RFCs.
//
// as of 2022.06, RFCs that were to define HTTP/1.1 (RFC753x) are obsoleted by:
//
//	HTTP Semantics (RFC9110)
//	HTTP Caching (RFC9111) and
//	HTTP/1.1 (RFC9112)
//
// HTTP/2 is defined by RFC9113, the header block mapping in this package
// follows its section 8.
//
// net/http components are reused on the "semantics" part ([net/http.Header],
// [net/http.StatusText], etc.), the connection handling lives in package conn.
package transport
