// go-q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// This file contains a development server to launch a local overlay node
// without any of the surrounding application integration.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/q2qnet/overlay"
	"github.com/q2qnet/overlay/certstore"
)

var (
	domainFlag   = flag.String("domain", "", "domain name this node is authoritative for (generates a self-signed domain certificate on first run)")
	bindFlag     = flag.String("bind", "", "address to bind the control listener on")
	controlPort  = flag.Int("control-port", overlay.DefaultControlPort, "TCP port for the overlay control connection")
	inboundPort  = flag.Int("inbound-port", 0, "TCP port to advertise for direct-connect splices (0 disables)")
	publicIP     = flag.String("public-ip", "", "public IP to advertise; left empty to learn it from SOURCE-IP")
	privateIP    = flag.String("private-ip", "", "private/LAN IP to advertise")
	storeDirFlag = flag.String("store", "q2qd-store", "directory holding the LevelDB certificate store")
	ptcpFlag     = flag.Bool("ptcp", false, "enable the in-memory PTCP dispatcher (development only)")
)

func main() {
	flag.Parse()

	store, err := certstore.NewLevelDBStore(*storeDirFlag)
	if err != nil {
		log.Fatalf("opening certificate store: %v", err)
	}

	if *domainFlag != "" {
		if err := ensureDomainCertificate(store, *domainFlag); err != nil {
			log.Fatalf("provisioning domain certificate: %v", err)
		}
	}

	cfg := overlay.ServiceConfig{
		ControlPort:    *controlPort,
		InboundTCPPort: *inboundPort,
		PublicIP:       *publicIP,
		PrivateIP:      *privateIP,
		Store:          store,
	}
	if *ptcpFlag {
		cfg.Dispatcher = overlay.NewMockPTCPDispatcher()
	}

	service := overlay.NewService(cfg)
	if err := service.Serve(*bindFlag); err != nil {
		log.Fatalf("starting overlay service: %v", err)
	}

	fmt.Fprintf(os.Stderr, "q2qd listening on %s:%d\n", *bindFlag, *controlPort)
	select {}
}

// ensureDomainCertificate generates and persists a self-signed domain
// certificate the first time q2qd is run for a given domain; subsequent runs
// reuse the one already on disk.
func ensureDomainCertificate(store certstore.Store, domain string) error {
	if _, err := store.PrivateCertificate(domain); err == nil {
		return nil
	} else if !errors.Is(err, certstore.ErrNotFound) {
		return err
	}

	cert, err := overlay.GenerateDomainCertificate(domain)
	if err != nil {
		return err
	}
	return store.StorePrivateCertificate(domain, cert.PEM())
}
