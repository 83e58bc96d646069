package config

import (
	"strings"

	"github.com/danmuck/meshlink/internal/transport"
)

// Params converts p into transport parameters.
func (p Profile) Params() (transport.Params, error) {
	kind, err := transport.ParseKind(p.Kind)
	if err != nil {
		return transport.Params{}, err
	}
	return transport.Params{Kind: kind, Address: strings.TrimSpace(p.Address)}, nil
}

func ProfileFromParams(name string, params transport.Params) Profile {
	return Profile{
		Name:    strings.TrimSpace(name),
		Kind:    string(params.Kind),
		Address: params.Address,
	}
}
