package logging

import "log/slog"

// Field names shared by all ledger log lines.
const (
	FieldService     = "service"
	FieldRequestID   = "request_id"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatus      = "status"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
	FieldRawID       = "raw_id"
	FieldSource      = "source"
	FieldFingerprint = "fingerprint"
	FieldState       = "state"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns an error attribute. A nil error renders as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// RawID identifies a raw submission row.
func RawID(id int64) slog.Attr {
	return slog.Int64(FieldRawID, id)
}

func Source(source string) slog.Attr {
	return slog.String(FieldSource, source)
}

func Fingerprint(fp string) slog.Attr {
	return slog.String(FieldFingerprint, fp)
}

// State records an ingest attempt state transition.
func State(state string) slog.Attr {
	return slog.String(FieldState, state)
}
