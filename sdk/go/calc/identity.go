// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package calc

// An Identity names the account (credential + host) under which
// connections are opened and scheduler sessions are established.
//
// Identity is comparable and is used as a map key by the connection
// broker and the job manager.
type Identity struct {
	// Label of a configured computer.
	Computer string `json:"computer"`
	// Remote username on that computer.
	User string `json:"user"`
}

func (id Identity) String() string {
	if id.User == "" {
		return id.Computer
	}
	return id.User + "@" + id.Computer
}
