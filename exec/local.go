// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// startLocal starts the i'th in-process worker of the session. Local
// workers are full nodes listening on loopback: the driver reaches
// them, and they reach each other, through the same rmi transport as
// remote workers, so that local sessions exercise the distributed
// code paths.
func (s *Session) startLocal(i int) (*host, error) {
	name := fmt.Sprintf("%s-local-%d", s.name, i)
	h, err := s.serve(name, s.localSlots, "127.0.0.1:0")
	if err != nil {
		return nil, errors.E(fmt.Sprintf("start local worker %s", name), err)
	}
	return h, nil
}
