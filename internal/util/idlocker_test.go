/*
Copyright 2019 The Kubernetes Authors.
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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVolumeLocks(t *testing.T) {
	t.Parallel()
	vl := NewVolumeLocks()

	assert.True(t, vl.TryAcquire("vol-1"))
	assert.False(t, vl.TryAcquire("vol-1"))
	assert.True(t, vl.TryAcquire("vol-2"))

	vl.Release("vol-1")
	assert.True(t, vl.TryAcquire("vol-1"))
}
