// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package facturador is the document engine: it creates and signs
// documents, keeps them in the retry queue, submits them to the authority
// and records the authority's disposition.
//
// # Lifecycle
//
// A [Document] moves through the states of reliability.State:
//
//	Unsaved -> Queued -> Sent -> Accepted | Rejected
//
// Failed sends leave the state unchanged and reschedule the queue entry
// with the backoff of reliability.DefaultSchedule. A status query
// answered with "error" moves the document to QueuedWithSendError, from
// which the next successful send returns it to Sent. After
// reliability.MaxAttempts failures the queue entry is disabled.
//
// # Engine
//
// [Engine] holds the collaborators every operation needs: the document
// and queue store, the archive, the issuer directory, the rate limiter,
// the token cache and the authority client. Its methods are the entry
// points used by the command line, the callback server and the sender:
//
//   - [Engine.Submit] creates and queues an issued document
//   - [Engine.Receive] archives a supplier document and queues the
//     confirmation message
//   - [Engine.QueryStatus] reports, polls or sends a document
//   - [Engine.ProcessCallback] applies a disposition posted by the authority
//   - [Engine.DrainQueue] works through due queue entries
//
// Ordinary send failures are not returned as errors: they are logged,
// charged to the rate limiter and rescheduled. [Document.LastFailure]
// reports the cause of the most recent one.
package facturador
