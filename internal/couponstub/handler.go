package couponstub

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-cart/internal/couponapi"
)

// NewHandler serves POST couponapi.CheckPath against catalog.
func NewHandler(catalog *Catalog, lg *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+couponapi.CheckPath, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<10))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "error", "invalid request body")
			return
		}
		code, err := decodeCode(body)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "error", "invalid request body")
			return
		}

		rule, ok := catalog.Lookup(code)
		if !ok {
			lg.Debug("coupon not found", slog.String("code", code))
			writeMessage(w, http.StatusNotFound, "error", "Coupon code not found")
			return
		}
		lg.Debug("coupon valid", slog.String("code", code), slog.String("value", rule.Value.String()))

		var e jx.Encoder
		e.Obj(func(e *jx.Encoder) {
			e.Field("status", func(e *jx.Encoder) { e.Str("success") })
			e.Field("message", func(e *jx.Encoder) { e.Str("Coupon is valid") })
			e.Field("payload", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("code", func(e *jx.Encoder) { e.Str(NormalizeCode(code)) })
					e.Field("value", func(e *jx.Encoder) { e.RawStr(rule.Value.String()) })
					e.Field("description", func(e *jx.Encoder) { e.Str(rule.Description) })
				})
			})
		})
		write(w, http.StatusOK, e.Bytes())
	})
	return mux
}

func decodeCode(data []byte) (string, error) {
	var (
		code string
		ok   bool
	)
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "code" {
			return d.Skip()
		}
		ok = true
		var err error
		code, err = d.Str()
		return err
	}); err != nil {
		return "", err
	}
	if !ok || NormalizeCode(code) == "" {
		return "", errors.New("code is required")
	}
	return code, nil
}

func writeMessage(w http.ResponseWriter, status int, result, message string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str(result) })
		e.Field("message", func(e *jx.Encoder) { e.Str(message) })
	})
	write(w, status, e.Bytes())
}

func write(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
