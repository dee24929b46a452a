// Package store holds the module, ownership, chat and profile stores.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
)

// InsertPublisher is told about every stored message, e.g. a hub fanning it
// out to the session's insert subscribers.
type InsertPublisher func(domain.ChatMessage)

var _ core.Stores = (*Memory)(nil)

// Memory is a threadsafe in-process store.
type Memory struct {
	publish InsertPublisher

	mu       sync.RWMutex
	modules  map[domain.ModuleID]domain.Module
	courses  map[domain.CourseID]domain.Course
	profiles map[domain.UserID]domain.User
	messages map[domain.ModuleID][]domain.ChatMessage
	nextID   domain.MessageID
}

func NewMemory(publish InsertPublisher) *Memory {
	return &Memory{
		publish:  publish,
		modules:  make(map[domain.ModuleID]domain.Module),
		courses:  make(map[domain.CourseID]domain.Course),
		profiles: make(map[domain.UserID]domain.User),
		messages: make(map[domain.ModuleID][]domain.ChatMessage),
	}
}

func (s *Memory) PutCourse(_ context.Context, c domain.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
	return nil
}

func (s *Memory) PutModule(_ context.Context, m domain.Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Status == "" {
		m.Status = domain.ModuleScheduled
	}
	s.modules[m.ID] = m
	return nil
}

func (s *Memory) PutProfile(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[u.ID] = u
	return nil
}

func (s *Memory) ModuleOwnerCourse(_ context.Context, id domain.ModuleID) (domain.CourseID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[id]
	if !ok {
		return "", core.ErrNotFound
	}
	return m.CourseID, nil
}

func (s *Memory) CourseTeacher(_ context.Context, id domain.CourseID) (domain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.courses[id]
	if !ok {
		return "", core.ErrNotFound
	}
	return c.TeacherID, nil
}

func (s *Memory) GetModule(_ context.Context, id domain.ModuleID) (*domain.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &m, nil
}

func (s *Memory) SetModuleStatus(_ context.Context, id domain.ModuleID, status domain.ModuleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return core.ErrNotFound
	}
	m.Status = status
	s.modules[id] = m
	return nil
}

func (s *Memory) GetProfile(_ context.Context, id domain.UserID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.profiles[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &u, nil
}

func (s *Memory) History(_ context.Context, id domain.ModuleID) ([]domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.messages[id]
	out := make([]domain.ChatMessage, len(rows))
	for i, m := range rows {
		if u, ok := s.profiles[m.SenderID]; ok {
			m.SenderName = u.FullName
		}
		out[i] = m
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *Memory) Insert(_ context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	msg.SenderName = ""
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)

	// under the lock so subscribers see inserts in id order
	if s.publish != nil {
		s.publish(msg)
	}
	return msg, nil
}
