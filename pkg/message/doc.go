// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message holds the structured content of an electronic tax document
and converts it to and from its XML form.

Document content is an ordered tree of [Node] values. Order matters: the
authority's schemas are sequences, so children are written exactly in the
order they were added.

# Building Documents

	data := message.New(
	    message.E("NumeroConsecutivo", "00100001010000000001"),
	    message.E("FechaEmision", "2018-07-31T10:00:00-06:00"),
	    message.G("Emisor",
	        message.E("Nombre", "Soluciones Induso"),
	        message.G("Identificacion",
	            message.E("Tipo", "01"),
	            message.E("Numero", "603960916"),
	        ),
	    ),
	)
	xml, err := message.Marshal(clave.Invoice, data)

Repeated elements (for example LineaDetalle or MedioPago) are simply added
several times with the same name.

# Reading Documents

[Parse] reads a stored or received document back into a tree, dropping the
enveloped ds:Signature and transcoding Latin-1 input:

	doc, err := message.Parse(raw)
	number := doc.Root.Get("Emisor/Identificacion/Numero")

# YAML Input

[FromYAML] builds a tree from an ordered YAML mapping. Sequences become
repeated elements, which keeps hand-written documents readable.
*/
package message
