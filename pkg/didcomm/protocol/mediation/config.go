/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mediation

// Config holds the endpoint and routing keys a mediator hands out when
// granting mediation.
type Config struct {
	endpoint    string
	routingKeys []string
}

// NewConfig creates new config instance.
func NewConfig(endpoint string, keys []string) *Config {
	return &Config{
		endpoint:    endpoint,
		routingKeys: keys,
	}
}

// Endpoint returns the mediator endpoint.
func (c *Config) Endpoint() string {
	return c.endpoint
}

// Keys returns the mediator routing keys.
func (c *Config) Keys() []string {
	return c.routingKeys
}
