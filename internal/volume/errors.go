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

package volume

import "errors"

// ErrInvalidVolumeID is returned when a textual volume ID does not match
// the 4-part region/zone/storage/disk canonical form.
var ErrInvalidVolumeID = errors.New("invalid volume ID")

// ErrNoFreeLUN is returned when every LUN in [1,29] is already in use.
var ErrNoFreeLUN = errors.New("no free LUN in range [1,29]")
