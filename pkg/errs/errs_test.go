// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategory_String(t *testing.T) {
	assert.Equal(t, "TRANSIENT", Transient.String())
	assert.Equal(t, "RESOURCE", Resource.String())
	assert.Equal(t, "FATAL", Fatal.String())
	assert.Equal(t, "AGENT", Agent.String())
	assert.Equal(t, "UNKNOWN", Category(99).String())
}

func TestNew_WrapsWithCategory(t *testing.T) {
	err := New(Resource, errors.New("vram exhausted"))
	require.Error(t, err)
	assert.Equal(t, "RESOURCE: vram exhausted", err.Error())

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, Resource, e.Category)
}

func TestNew_NilErrorReturnsNil(t *testing.T) {
	assert.NoError(t, New(Fatal, nil))
}

func TestError_NilInnerErrUsesCategoryOnly(t *testing.T) {
	e := &Error{Category: Agent}
	assert.Equal(t, "AGENT", e.Error())
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	e := &Error{Category: Transient, Err: inner}
	assert.Equal(t, inner, errors.Unwrap(e))
}

func TestCategoryOf_ClassifiedError(t *testing.T) {
	err := New(Agent, errors.New("bad args"))
	assert.Equal(t, Agent, CategoryOf(err))
}

func TestCategoryOf_UnclassifiedErrorDefaultsToFatal(t *testing.T) {
	assert.Equal(t, Fatal, CategoryOf(errors.New("plain")))
}

func TestCategoryOf_WrappedClassifiedError(t *testing.T) {
	err := fmt.Errorf("context: %w", New(Resource, errors.New("oom")))
	assert.Equal(t, Resource, CategoryOf(err))
}

func TestIs(t *testing.T) {
	err := New(Transient, errors.New("timeout"))
	assert.True(t, Is(err, Transient))
	assert.False(t, Is(err, Resource))
	assert.False(t, Is(errors.New("plain"), Transient))
}
