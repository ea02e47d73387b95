// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package dynamic

import (
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SignalForwarder passes SIGINT on to the tracee so that interrupting the
// tracer interrupts the traced program: the event stream then ends
// naturally and whatever has been accumulated is still flushed.
type SignalForwarder struct {
	ch chan os.Signal
}

// SpawnSignalForwarder starts forwarding SIGINT to pid until Close.
func SpawnSignalForwarder(pid int) *SignalForwarder {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	go func() {
		for range ch {
			if err := unix.Kill(pid, unix.SIGINT); err != nil {
				logrus.WithError(err).WithField("pid", pid).Error("error forwarding signal")
			}
		}
	}()

	return &SignalForwarder{ch: ch}
}

// Close stops forwarding.
func (f *SignalForwarder) Close() {
	signal.Stop(f.ch)
	close(f.ch)
}
