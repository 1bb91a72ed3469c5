/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

// Wrap returns a channel which always offers the newest value received on
// inputCh. Values the reader has not picked up yet are replaced by newer ones,
// so writers on inputCh are never held up by a slow reader. The output is
// closed once inputCh is closed.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		for {
			pending, ok := <-inputCh
			if !ok {
				return
			}

		OfferLoop:
			for {
				select {
				case outputCh <- pending:
					break OfferLoop
				case newer, ok := <-inputCh:
					if !ok {
						return
					}
					pending = newer
				}
			}
		}
	}()

	return outputCh
}
