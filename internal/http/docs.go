// package http contains the request and response types, which are meant
// to be exported through package conn and the top level package.
//
// the package also contains some type and value aliases from standard
// library to avoid annoying imports
package http

import (
	"net/http"
)

type Header = http.Header

var StatusText = http.StatusText
