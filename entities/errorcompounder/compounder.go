//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2026 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package errorcompounder

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCompounder collects the errors of operations which should all be
// attempted even if some of them fail, e.g. syncing every page file.
type ErrorCompounder struct {
	errors []error
}

func New() *ErrorCompounder {
	return &ErrorCompounder{}
}

func (ec *ErrorCompounder) Add(err error) {
	if err != nil {
		ec.errors = append(ec.errors, err)
	}
}

func (ec *ErrorCompounder) Addf(format string, a ...any) {
	ec.errors = append(ec.errors, fmt.Errorf(format, a...))
}

func (ec *ErrorCompounder) AddWrapf(err error, format string, a ...any) {
	if err != nil {
		ec.errors = append(ec.errors, errors.Wrapf(err, format, a...))
	}
}

func (ec *ErrorCompounder) Len() int {
	return len(ec.errors)
}

func (ec *ErrorCompounder) Empty() bool {
	return len(ec.errors) == 0
}

func (ec *ErrorCompounder) First() error {
	if len(ec.errors) == 0 {
		return nil
	}
	return ec.errors[0]
}

// ToError returns nil, the only error, or an error joining all of them which
// still matches every contained error with errors.Is.
func (ec *ErrorCompounder) ToError() error {
	switch len(ec.errors) {
	case 0:
		return nil
	case 1:
		return ec.errors[0]
	default:
		return &compoundError{errs: append([]error(nil), ec.errors...)}
	}
}

type compoundError struct {
	errs []error
}

func (e *compoundError) Error() string {
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, ", ")
}

func (e *compoundError) Unwrap() []error {
	return e.errs
}
