package services

import (
	"errors"
	"fmt"
	"log"

	"xuiportal/common"
)

var (
	// ErrServerInUse на борд ссылаются узлы пакетов
	ErrServerInUse = errors.New("сервер используется в пакетах")
	// ErrInvalidServer некорректные параметры сервера
	ErrInvalidServer = errors.New("некорректный сервер")
)

// ServerStore хранилище серверов
type ServerStore interface {
	ListServers() ([]common.ServerConfig, error)
	SaveServer(s *common.ServerConfig) error
	DeleteServer(board string) error
	CountBoardNodes(board string) (int, error)
}

// FleetReloader перестраивает клиентов панелей
type FleetReloader interface {
	Reload(servers []common.ServerConfig)
}

// ServerService управляет серверами и перезагружает флот после изменений
type ServerService struct {
	store ServerStore
	fleet FleetReloader
}

// NewServerService создает сервис серверов
func NewServerService(store ServerStore, fleet FleetReloader) *ServerService {
	return &ServerService{store: store, fleet: fleet}
}

// SaveServer создает или обновляет сервер
func (ss *ServerService) SaveServer(s *common.ServerConfig) error {
	if s.BoardName == "" || s.Server == "" {
		return fmt.Errorf("%w: не указан борд или адрес", ErrInvalidServer)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("%w: порт %d", ErrInvalidServer, s.Port)
	}
	if err := ss.store.SaveServer(s); err != nil {
		return err
	}
	log.Printf("SERVER_SERVICE: Сервер %s сохранен (%s)", s.BoardName, s.PanelURL())
	return ss.Reload()
}

// DeleteServer удаляет сервер, если на него не ссылаются пакеты
func (ss *ServerService) DeleteServer(board string) error {
	count, err := ss.store.CountBoardNodes(board)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s, узлов: %d", ErrServerInUse, board, count)
	}
	if err := ss.store.DeleteServer(board); err != nil {
		return err
	}
	log.Printf("SERVER_SERVICE: Сервер %s удален", board)
	return ss.Reload()
}

// Reload перечитывает серверы и перестраивает флот
func (ss *ServerService) Reload() error {
	servers, err := ss.store.ListServers()
	if err != nil {
		return err
	}
	ss.fleet.Reload(servers)
	return nil
}
