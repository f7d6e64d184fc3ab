// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package hacienda is the client of the tax authority's reception API and
its OpenID Connect identity provider.

# Environments

Two environments exist, identified by the numeric id stored with each
taxpayer:

	1  Staging     client id api-stag, sandbox reception API
	2  Production  client id api-prod, production reception API

# Reception API

	err := client.Submit(ctx, env, token, &hacienda.Submission{...})
	status, err := client.Status(ctx, env, token, clave, "")

A submission is accepted with 201 or 202. Any other answer is returned as
a [*StatusError] carrying the status code and the X-Error-Cause header, so
that callers can tell authentication failures from structural rejections
and server errors. When no answer arrives at all the error wraps
[ErrUnavailable].

# Tokens

	resp, err := client.RequestToken(ctx, env, hacienda.PasswordGrant(env, user, pass))

The identity provider is slow; token requests use their own timeout,
45 seconds by default.
*/
package hacienda
