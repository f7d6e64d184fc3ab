// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package clave builds and parses the 50-digit numeric key ("clave") that
identifies every electronic tax document submitted to the Costa Rican tax
authority.

# Key Layout

	506 ddmmyy 000603960916 00100001010000000001 1 12345678
	|   |      |            |                    | |
	|   |      |            |                    | +- 8-digit anti-collision code
	|   |      |            |                    +--- situation (1 normal, 2 contingency, 3 offline)
	|   |      |            +------------------------ 20-digit consecutive number
	|   |      +------------------------------------- taxpayer id, zero padded to 12
	|   +-------------------------------------------- issue date
	+------------------------------------------------ country code

The consecutive number itself encodes branch (3), terminal (5), document
type (2) and sequence (10).

# Document Types

[DocumentType] is a closed enumeration of the nine document kinds. Each kind
maps to an archive file prefix, an XML root element and a schema namespace:

	dt, err := clave.TypeFromConsecutive("00100001010000000001")
	// dt == clave.Invoice, dt.Prefix() == "FE"

# Generation

	key, err := clave.Generate(clave.GenerateParams{
	    Date:        time.Now(),
	    TaxID:       "603960916",
	    Consecutive: "00100001010000000001",
	    Situation:   clave.SituationNormal,
	})
*/
package clave
