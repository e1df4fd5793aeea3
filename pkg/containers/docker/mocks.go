// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockClient is a mock implementation of ClientInterface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) BuildImage(ctx context.Context, contextDir, tag string, onLine func(string)) error {
	args := m.Called(ctx, contextDir, tag, onLine)
	return args.Error(0)
}

func (m *MockClient) SaveImage(ctx context.Context, tag string) (io.ReadCloser, error) {
	args := m.Called(ctx, tag)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
