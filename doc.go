// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package facturadorcr signs Costa Rican electronic invoices and delivers them
to the reception API of the Ministerio de Hacienda.

# Overview

An issued document (factura, tiquete, nota de crédito, nota de débito,
factura de exportación, compra) is given as a tree of fields. The engine
assigns its 50-digit key (clave), completes the consecutive number, renders
the XML of the document type, signs it with the taxpayer's certificate
(XAdES-EPES), archives it and queues it for submission. The sender posts
queued documents and polls the authority for their disposition, retrying
on a fixed schedule while respecting the authority's per-minute quotas.

Received documents are confirmed (aceptado, parcialmente aceptado,
rechazado) with a receiver message that follows the same path.

# Package Structure

	github.com/josiasmc/facturador-electronico-cr/pkg/clave        - Keys and consecutive numbers
	github.com/josiasmc/facturador-electronico-cr/pkg/message      - Document trees and XML rendering
	github.com/josiasmc/facturador-electronico-cr/pkg/security     - Keystores, XAdES signing and verification
	github.com/josiasmc/facturador-electronico-cr/pkg/hacienda     - Reception and identity provider API client
	github.com/josiasmc/facturador-electronico-cr/pkg/token        - Access token cache
	github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit    - Per-taxpayer transaction quotas
	github.com/josiasmc/facturador-electronico-cr/pkg/reliability  - Document states and the retry schedule
	github.com/josiasmc/facturador-electronico-cr/pkg/compression  - Monthly zip containers
	github.com/josiasmc/facturador-electronico-cr/pkg/transport    - HTTPS transport with TLS 1.2/1.3

The service itself lives under internal/ and is started by cmd/facturador.

# Quick Start

	facturador -c config.yaml migrate up
	FACTURADOR_KEYSTORE_PIN=1234 FACTURADOR_API_PASSWORD=secret \
	    facturador -c config.yaml register --tax-id 603960916 \
	    --username cpf-06-0396-0916@stag.comprobanteselectronicos.go.cr \
	    --keystore 060396091612.p12
	facturador -c config.yaml submit -t 1 -f factura.yaml
	facturador -c config.yaml serve

# License

BSD-2-Clause License
*/
package facturadorcr
