/*
Copyright 2019 The Ceph-CSI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package util

import "errors"

// ErrRegionNotFound is returned when a volume ID or request names a region
// that is not present in the loaded cluster configuration.
var ErrRegionNotFound = errors.New("region not found in cluster configuration")

// ErrDuplicateRegion is returned when the cluster configuration lists the
// same region more than once.
var ErrDuplicateRegion = errors.New("duplicate region in cluster configuration")

// ErrNoClusters is returned when the cluster configuration has no entries.
var ErrNoClusters = errors.New("no clusters configured")
