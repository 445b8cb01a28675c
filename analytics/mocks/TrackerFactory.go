package mocks

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/stretchr/testify/mock"
)

type TrackerFactory struct {
	mock.Mock
}

func (_m *TrackerFactory) Execute(properties ...analytics.Properties) analytics.Tracker {
	ret := _m.Called(properties)

	var r0 analytics.Tracker
	if rf, ok := ret.Get(0).(func(...analytics.Properties) analytics.Tracker); ok {
		r0 = rf(properties...)
	} else {
		r0, _ = ret.Get(0).(analytics.Tracker)
	}

	return r0
}
