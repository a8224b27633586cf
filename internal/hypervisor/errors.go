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

package hypervisor

import "errors"

// ErrNotFound is returned when the hypervisor API answers 404, or when a
// lookup (FindVMByName, FindVMNode) has no match.
var ErrNotFound = errors.New("hypervisor: not found")

// ErrAlreadyExists is returned when the hypervisor rejects a create request
// because an object with the same name already exists.
var ErrAlreadyExists = errors.New("hypervisor: already exists")

// ErrUnavailable is returned on transport-level failure, after retries are
// exhausted.
var ErrUnavailable = errors.New("hypervisor: unavailable")

// ErrAPI wraps any other non-2xx response from the hypervisor.
var ErrAPI = errors.New("hypervisor: API error")
