package hacienda

import (
	"errors"
	"fmt"
)

// ErrUnknownEnvironment is returned for environment ids outside the catalog.
var ErrUnknownEnvironment = errors.New("unknown environment")

// Environment is one deployment of the authority's API.
type Environment struct {
	ID         int    `yaml:"id"`
	Name       string `yaml:"name"`
	ClientID   string `yaml:"clientId"`
	TokenURL   string `yaml:"tokenUrl"`
	APIURL     string `yaml:"apiUrl"`
	Production bool   `yaml:"production"`
}

const (
	StagingID    = 1
	ProductionID = 2
)

var (
	// Staging is the sandbox environment.
	Staging = Environment{
		ID:       StagingID,
		Name:     "staging",
		ClientID: "api-stag",
		TokenURL: "https://idp.comprobanteselectronicos.go.cr/auth/realms/rut-stag/protocol/openid-connect/token",
		APIURL:   "https://api-sandbox.comprobanteselectronicos.go.cr/recepcion/v1/",
	}

	// Production is the live environment.
	Production = Environment{
		ID:         ProductionID,
		Name:       "production",
		ClientID:   "api-prod",
		TokenURL:   "https://idp.comprobanteselectronicos.go.cr/auth/realms/rut/protocol/openid-connect/token",
		APIURL:     "https://api.comprobanteselectronicos.go.cr/recepcion/v1/",
		Production: true,
	}
)

// Catalog maps environment ids to environments.
type Catalog map[int]Environment

// DefaultCatalog returns the two published environments.
func DefaultCatalog() Catalog {
	return Catalog{
		StagingID:    Staging,
		ProductionID: Production,
	}
}

// Lookup returns the environment with the given id.
func (c Catalog) Lookup(id int) (Environment, error) {
	env, ok := c[id]
	if !ok {
		return Environment{}, fmt.Errorf("%w: %d", ErrUnknownEnvironment, id)
	}
	return env, nil
}

// Override replaces non-empty fields of the environment with the same id.
func (c Catalog) Override(o Environment) {
	env := c[o.ID]
	env.ID = o.ID
	if o.Name != "" {
		env.Name = o.Name
	}
	if o.ClientID != "" {
		env.ClientID = o.ClientID
	}
	if o.TokenURL != "" {
		env.TokenURL = o.TokenURL
	}
	if o.APIURL != "" {
		env.APIURL = o.APIURL
	}
	if o.Production {
		env.Production = true
	}
	c[o.ID] = env
}
