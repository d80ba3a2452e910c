/*
Package proxy implements an intercepting HTTP/HTTPS forward proxy.

The proxy accepts a client's CONNECT tunnel request, mints a leaf
certificate for the target host signed by a locally generated certificate
authority, terminates TLS itself, relays the decrypted request to the real
origin and relays the response back, rewriting select headers along the way.
Plain HTTP requests are relayed without interception.

A minimal setup:

	authority, err := certauthority.New()
	if err != nil {
		log.Fatal(err)
	}

	opt := proxy.DefaultOptions()
	opt.Issuer = certauthority.NewCachingIssuer(authority, time.Hour)
	opt.Sink = &proxy.LogSink{Logger: logger}

	srv, err := proxy.NewServer(opt)
	if err != nil {
		log.Fatal(err)
	}
	log.Fatal(srv.ListenAndServe())

Clients must trust the authority's root certificate for HTTPS interception
to work.
*/
package proxy
