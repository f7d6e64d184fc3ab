// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package token obtains and caches bearer tokens for the authority API.
//
// Tokens are persisted per taxpayer and environment. An access token is
// reused while more than [Margin] of its lifetime remains; otherwise the
// refresh token is exchanged, and when that fails or has also expired a
// password grant is made with the taxpayer's API credentials. Every
// request to the identity provider goes through a rate limit [Gate].
package token
