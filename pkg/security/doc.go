/*
Package security provides the certificate authority behind mutual TLS
between the broker and everything that dials it.

One deployment shares one certificate directory:

	ca.crt      root certificate, ECDSA P-256, 10-year validity
	ca.key      root key, mode 0600
	broker.crt  broker serving certificate (server and client auth)
	broker.key
	peer.crt    client certificate for agents, tuners and publishers
	peer.key

GenerateBundle writes all six files. The broker loads ServerTLSConfig and
rejects peers without a certificate from the same CA; dialers load
ClientTLSConfig and verify the broker against the dialed host name, so
every host the broker is reached by must be passed to GenerateBundle.
localhost and 127.0.0.1 are always included.

	if err := security.GenerateBundle("/etc/attune/certs", []string{"broker-0"}); err != nil {
		return err
	}
	tlsCfg, err := security.ServerTLSConfig("/etc/attune/certs")

Leaf certificates are valid for one year and CertNeedsRotation reports
true once fewer than 30 days remain. Rotation is manual: regenerate the
bundle and restart the daemons.

TLS complements the shared auth token; node identity still comes from the
stream metadata.
*/
package security
