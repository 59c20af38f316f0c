package controller

import (
	"errors"

	"github.com/bhandras/delight/mobile/internal/connection"
)

var (
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("controller closed")
	// ErrNotConnected is returned when a command needs a live channel.
	ErrNotConnected = connection.ErrNotConnected
	// ErrEmptyMessage is returned by SendMessage with no text and no
	// attachments.
	ErrEmptyMessage = errors.New("empty message")
	// ErrEmptySessionID is returned by SwitchSession("").
	ErrEmptySessionID = errors.New("empty session id")
	// ErrSessionInvalid is returned when switching to an invalidated session.
	ErrSessionInvalid = errors.New("session is no longer valid")
	// ErrNoPendingQuestion is returned by AnswerQuestion when nothing is
	// pending or the id does not match.
	ErrNoPendingQuestion = errors.New("no pending question")
	// ErrNoOlderHistory is returned when there is nothing older to load or a
	// load is already running.
	ErrNoOlderHistory = errors.New("no older history to load")
)
