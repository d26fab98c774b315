package token

// Source supplies the current bearer token. It is consulted fresh for every
// REST request and every hub handshake attempt so that a rotated token takes
// effect without rebuilding clients.
type Source interface {
	Token() (string, error)
}

// StoreSource reads the token from a credential store on every call.
type StoreSource struct {
	Store *Store
}

func (s StoreSource) Token() (string, error) {
	return s.Store.Get(KeyAccessToken)
}

// Static is a fixed-token source for tests and one-off tools.
type Static string

func (s Static) Token() (string, error) { return string(s), nil }
