package conn

import "github.com/frankli0324/httpconn/body"

type (
	Frame   = body.Frame
	Payload = body.Payload
)

var (
	DataFrame     = body.DataFrame
	TrailersFrame = body.TrailersFrame
)
