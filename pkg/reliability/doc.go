// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability defines the document lifecycle and the retry policy
used when the authority cannot be reached.

# Lifecycle

A document moves through numbered states:

	Unsaved(0) -> Queued(1) -> Sent(2) -> Accepted(3)
	                                   -> Rejected(4)
	Queued|Sent -> QueuedWithSendError(5) -> Sent

Accepted and Rejected are terminal.

# Retry Queue

Every queued document has one queue entry whose action says what to do
next: send an outbound document (1) or an inbound confirmation (2). A
disabled entry keeps its row with the action raised by two, so it is no
longer picked up.

After a failure the next attempt is scheduled using the fixed backoff
schedule:

	5m, 15m, 40m, 1h, 2h, 4h, then every 8h

and after MaxAttempts failed attempts the entry is disabled:

	next := reliability.DefaultSchedule.Next(entry.Attempts, now)
	entry.Fail(now, reliability.DefaultSchedule)
	if entry.Action.Disabled() {
	    // no further automatic retries
	}

# In-flight Tracking

[Tracker] guards a document key within one process so that a status query
and a queue drain never work on the same document at once. Across
processes the queue claim in the store provides the same guarantee.
*/
package reliability
