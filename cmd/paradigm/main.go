// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/ucsc-cgl/paradigm"

func main() {
	paradigm.Main()
}
