// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package ratelimit keeps each taxpayer inside the authority's per-minute API
quotas.

Every call to the authority is recorded as an event in a [Ledger] under one
of nine categories. Remaining capacity is the category limit minus the
events of the last 60 seconds; each event also counts against the overall
request limit. The counts are cached per taxpayer for 15 seconds and
decremented locally between refreshes, so the ledger stays the only source
of truth and any process can rebuild the cache from it.

Most limits only apply in the staging environment. Authentication failures
and structural submission errors are limited everywhere:

	lim := ratelimit.New(ledger, profiles, ratelimit.WithLogger(logger))
	if lim.CanSubmit(ctx, taxpayerID) {
	    // call the authority, then
	    lim.Register(ctx, taxpayerID, ratelimit.PostAccepted)
	}

A taxpayer the [ProfileSource] does not know is not limited.
*/
package ratelimit
