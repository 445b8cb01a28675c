package mocks

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/stretchr/testify/mock"
)

type Tracker struct {
	mock.Mock
}

func (_m *Tracker) Enqueue(eventName string, properties ...analytics.Properties) {
	_m.Called(eventName, properties)
}

func (_m *Tracker) Wait() {
	_m.Called()
}
