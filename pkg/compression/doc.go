// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides the zip containers documents are archived in.

Every document is archived in its own zip file. The container holds one
entry per artifact: the signed document itself and, once the authority
answers, its response message.

# Containers

Open an existing container (or start a new one from nil data), add
entries and serialize it again:

	c, err := compression.OpenContainer(existing)
	c.Put("MH"+key+".xml", response)
	data, err := c.Bytes()

Read an entry:

	xml, ok := c.Get("FE" + key + ".xml")

Entries keep their insertion order. Writing an entry that already exists
replaces its content in place.
*/
package compression
