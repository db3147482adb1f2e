package httpmiddleware

import (
	"net/http"

	"github.com/go-faster/jx"
)

// WriteError writes a {"code","message"} JSON error body.
func WriteError(w http.ResponseWriter, status int, message string) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.Field("code", func(e *jx.Encoder) { e.Int(status) })
	e.Field("message", func(e *jx.Encoder) { e.Str(message) })
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
