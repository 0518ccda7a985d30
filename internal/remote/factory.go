package remote

import (
	"net/url"
)

var connectorFactories = []ConnectorFactory{
	&FTPConnectorFactory{},
	&SFTPConnectorFactory{},
	// add more
}

func getConnectorFactory(u *url.URL) ConnectorFactory {
	for _, factory := range connectorFactories {
		if factory.Accept(u) {
			return factory
		}
	}
	return nil
}

// Supported reports whether a connector exists for u's scheme.
func Supported(u *url.URL) bool {
	return getConnectorFactory(u) != nil
}
