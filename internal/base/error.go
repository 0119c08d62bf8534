// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "errors"

// ErrRequeue is returned when a request cannot be admitted right now and the
// caller should back off and resubmit it. It is not a failure of the request.
var ErrRequeue = errors.New("ftl: requeue")

// ErrClosed means the device has been closed.
var ErrClosed = errors.New("ftl: closed")
