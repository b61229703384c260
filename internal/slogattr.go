package internal

import "log/slog"

// SlogSeq returns a slog.Attr for a sequence or acknowledgment number without
// the call site having to box it as an any beforehand.
func SlogSeq(key string, seq uint32) slog.Attr {
	return slog.Uint64(key, uint64(seq))
}

// SlogPort returns a slog.Attr for a 16-bit TCP-like port number.
func SlogPort(key string, port uint16) slog.Attr {
	return slog.Int(key, int(port))
}
