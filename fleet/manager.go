// Package fleet объединяет клиентов панелей и выполняет операции по узлам пакета.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"xuiportal/common"
	"xuiportal/metrics"
	"xuiportal/panel"
)

// PanelClient операции клиента одной панели, нужные флоту
type PanelClient interface {
	BoardName() string
	ListInbounds(ctx context.Context, useCache bool) ([]panel.Inbound, error)
	GetClient(ctx context.Context, inboundID int, email string) (*panel.RemoteClient, error)
	GetClientTraffic(ctx context.Context, inboundID int, email string) (*panel.ClientStat, error)
	AddClient(ctx context.Context, inboundID int, email string) error
	DeleteClient(ctx context.Context, inboundID int, email string) error
	ResetClientTraffic(ctx context.Context, inboundID int, email string) error
	RefreshClientKey(ctx context.Context, inboundID int, email string) error
	SetClientEnabled(ctx context.Context, inboundID int, email string, enabled bool) error
	GetSubscription(ctx context.Context, subID string) (string, error)
}

// ClientFactory создает клиента панели по ServerConfig
type ClientFactory func(server common.ServerConfig) PanelClient

// NodeSource источник узлов пакета
type NodeSource interface {
	GetPackageNodes(packageID int64) ([]common.PackageNode, error)
}

// PanelOptions параметры клиентов панелей, создаваемых фабрикой
type PanelOptions struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	RemoteUUID         bool
}

// NewPanelFactory возвращает фабрику клиентов panel.Client с общим кэшем
func NewPanelFactory(cache *panel.InboundCache, opts PanelOptions) ClientFactory {
	return func(server common.ServerConfig) PanelClient {
		cfg := panel.ConfigFromServer(server)
		cfg.Timeout = opts.Timeout
		cfg.InsecureSkipVerify = opts.InsecureSkipVerify
		cfg.RemoteUUID = opts.RemoteUUID
		return panel.NewClient(cfg, cache)
	}
}

// NodeSubscription подписка одного узла
type NodeSubscription struct {
	Node    common.PackageNode
	Content string
}

// Option настройка Manager
type Option func(*Manager)

// WithWorkers ограничивает число бордов, обрабатываемых параллельно
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// Manager набор клиентов панелей по именам бордов
type Manager struct {
	nodes   NodeSource
	factory ClientFactory
	workers int

	mu      sync.RWMutex
	clients map[string]PanelClient
}

// NewManager создает пустой флот. Клиенты появляются после Reload.
func NewManager(nodes NodeSource, factory ClientFactory, opts ...Option) *Manager {
	m := &Manager{
		nodes:   nodes,
		factory: factory,
		workers: 4,
		clients: make(map[string]PanelClient),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reload пересоздает клиентов по текущему списку ServerConfig
func (m *Manager) Reload(servers []common.ServerConfig) {
	clients := make(map[string]PanelClient, len(servers))
	for _, server := range servers {
		if server.BoardName == "" {
			log.Printf("FLEET: Пропущен сервер id=%d без имени борда", server.ID)
			continue
		}
		if server.Username == "" || server.Password == "" {
			log.Printf("FLEET: У борда %s не заданы учетные данные, клиент не создан", server.BoardName)
			continue
		}
		clients[server.BoardName] = m.factory(server)
	}

	m.mu.Lock()
	m.clients = clients
	m.mu.Unlock()
	log.Printf("FLEET: Флот перезагружен, бордов: %d", len(clients))
}

// Client возвращает клиента борда
func (m *Manager) Client(board string) (PanelClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[board]
	return c, ok
}

// Boards возвращает имена настроенных бордов
func (m *Manager) Boards() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	boards := make([]string, 0, len(m.clients))
	for board := range m.clients {
		boards = append(boards, board)
	}
	sort.Strings(boards)
	return boards
}

func (m *Manager) packageNodes(user *common.User) ([]common.PackageNode, error) {
	if !user.HasPackage() {
		return nil, ErrNoPackage
	}
	return m.nodesOf(*user.PackageID)
}

func (m *Manager) nodesOf(packageID int64) ([]common.PackageNode, error) {
	nodes, err := m.nodes.GetPackageNodes(packageID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения узлов пакета %d: %w", packageID, err)
	}
	if len(nodes) == 0 {
		log.Printf("FLEET: Пакет %d не содержит узлов", packageID)
	}
	return nodes, nil
}

type boardBatch struct {
	board   string
	client  PanelClient
	indexes []int
}

// forEachNode выполняет fn на каждом узле. Борды обрабатываются параллельно с ограничением,
// узлы одного борда последовательно. Ошибка на узле не прерывает остальные.
func (m *Manager) forEachNode(ctx context.Context, operation string, nodes []common.PackageNode,
	fn func(ctx context.Context, client PanelClient, node common.PackageNode) error) error {

	return m.forEachIndex(ctx, operation, nodes, func(ctx context.Context, client PanelClient, i int) error {
		return fn(ctx, client, nodes[i])
	})
}

// forEachIndex как forEachNode, но передает позицию узла в nodes
func (m *Manager) forEachIndex(ctx context.Context, operation string, nodes []common.PackageNode,
	fn func(ctx context.Context, client PanelClient, i int) error) error {

	failures := make([]*NodeError, len(nodes))
	var batches []*boardBatch
	byBoard := make(map[string]*boardBatch)

	for i, node := range nodes {
		client, ok := m.Client(node.BoardName)
		if !ok {
			log.Printf("FLEET: %s: борд %s не настроен, узел %d пропущен", operation, node.BoardName, node.InboundID)
			failures[i] = &NodeError{Operation: operation, Board: node.BoardName, InboundID: node.InboundID, Err: ErrUnknownBoard}
			continue
		}
		batch, ok := byBoard[node.BoardName]
		if !ok {
			batch = &boardBatch{board: node.BoardName, client: client}
			byBoard[node.BoardName] = batch
			batches = append(batches, batch)
		}
		batch.indexes = append(batch.indexes, i)
	}

	var g errgroup.Group
	g.SetLimit(m.workers)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			for _, i := range batch.indexes {
				node := nodes[i]
				if err := fn(ctx, batch.client, i); err != nil {
					log.Printf("FLEET: %s: ошибка на узле %s/%d: %v", operation, node.BoardName, node.InboundID, err)
					failures[i] = &NodeError{Operation: operation, Board: node.BoardName, InboundID: node.InboundID, Err: err}
				}
			}
			return nil
		})
	}
	g.Wait()

	fanOut := &FanOutError{Operation: operation, Attempted: len(nodes)}
	for _, f := range failures {
		if f != nil {
			metrics.FleetNodeFailures.WithLabelValues(operation, f.Board).Inc()
			fanOut.Failures = append(fanOut.Failures, f)
		}
	}
	if len(fanOut.Failures) > 0 {
		return fanOut
	}
	return nil
}

// AddClientToPackageNodes создает клиента пользователя на всех узлах пакета
func (m *Manager) AddClientToPackageNodes(ctx context.Context, user *common.User) error {
	nodes, err := m.packageNodes(user)
	if err != nil {
		return err
	}
	return m.forEachNode(ctx, "add_client", nodes, func(ctx context.Context, c PanelClient, node common.PackageNode) error {
		return c.AddClient(ctx, node.InboundID, user.Email)
	})
}

// DeleteClientFromPackageNodes удаляет клиента со всех узлов пакета. Отсутствующий клиент не считается ошибкой.
func (m *Manager) DeleteClientFromPackageNodes(ctx context.Context, email string, packageID int64) error {
	nodes, err := m.nodesOf(packageID)
	if err != nil {
		return err
	}
	return m.forEachNode(ctx, "delete_client", nodes, func(ctx context.Context, c PanelClient, node common.PackageNode) error {
		return ignoreMissing(c.DeleteClient(ctx, node.InboundID, email), node, email)
	})
}

// RefreshClientFromPackageNodes меняет секреты клиента на всех узлах пакета
func (m *Manager) RefreshClientFromPackageNodes(ctx context.Context, user *common.User) error {
	nodes, err := m.packageNodes(user)
	if err != nil {
		return err
	}
	return m.forEachNode(ctx, "refresh_client", nodes, func(ctx context.Context, c PanelClient, node common.PackageNode) error {
		return c.RefreshClientKey(ctx, node.InboundID, user.Email)
	})
}

// DisableClientFromPackageNodes отключает клиента на всех узлах пакета
func (m *Manager) DisableClientFromPackageNodes(ctx context.Context, user *common.User) error {
	return m.setEnabled(ctx, user, false)
}

// EnableClientFromPackageNodes включает клиента на всех узлах пакета
func (m *Manager) EnableClientFromPackageNodes(ctx context.Context, user *common.User) error {
	return m.setEnabled(ctx, user, true)
}

func (m *Manager) setEnabled(ctx context.Context, user *common.User, enabled bool) error {
	nodes, err := m.packageNodes(user)
	if err != nil {
		return err
	}
	operation := "disable_client"
	if enabled {
		operation = "enable_client"
	}
	return m.forEachNode(ctx, operation, nodes, func(ctx context.Context, c PanelClient, node common.PackageNode) error {
		return c.SetClientEnabled(ctx, node.InboundID, user.Email, enabled)
	})
}

// ResetClientTrafficOnPackageNodes обнуляет счетчики клиента на всех узлах пакета
func (m *Manager) ResetClientTrafficOnPackageNodes(ctx context.Context, user *common.User) error {
	nodes, err := m.packageNodes(user)
	if err != nil {
		return err
	}
	return m.forEachNode(ctx, "reset_traffic", nodes, func(ctx context.Context, c PanelClient, node common.PackageNode) error {
		return c.ResetClientTraffic(ctx, node.InboundID, user.Email)
	})
}

// GetUsedTraffic суммирует трафик по узлам пакета с учетом traffic_rate.
// Недоступные узлы пропускаются: результат является нижней оценкой, ошибка описывает пропуски.
func (m *Manager) GetUsedTraffic(ctx context.Context, user *common.User) (common.TrafficUsage, error) {
	var usage common.TrafficUsage
	nodes, err := m.packageNodes(user)
	if err != nil {
		return usage, err
	}

	var mu sync.Mutex
	err = m.forEachNode(ctx, "used_traffic", nodes, func(ctx context.Context, c PanelClient, node common.PackageNode) error {
		stat, err := c.GetClientTraffic(ctx, node.InboundID, user.Email)
		if err != nil {
			return err
		}
		up := common.ApplyTrafficRate(stat.Up, node.TrafficRate)
		down := common.ApplyTrafficRate(stat.Down, node.TrafficRate)

		mu.Lock()
		usage.Up += up
		usage.Down += down
		mu.Unlock()
		return nil
	})
	usage.Total = usage.Up + usage.Down
	return usage, err
}

// GetSubscriptions загружает подписки клиента со всех узлов пакета
func (m *Manager) GetSubscriptions(ctx context.Context, user *common.User) ([]NodeSubscription, error) {
	nodes, err := m.packageNodes(user)
	if err != nil {
		return nil, err
	}

	contents := make([]string, len(nodes))
	err = m.forEachIndex(ctx, "subscription", nodes, func(ctx context.Context, c PanelClient, i int) error {
		client, err := c.GetClient(ctx, nodes[i].InboundID, user.Email)
		if err != nil {
			return err
		}
		if client.SubID == "" {
			return fmt.Errorf("у клиента %s нет subId", user.Email)
		}
		content, err := c.GetSubscription(ctx, client.SubID)
		if err != nil {
			return err
		}
		contents[i] = content
		return nil
	})

	var subs []NodeSubscription
	for i, content := range contents {
		if content != "" {
			subs = append(subs, NodeSubscription{Node: nodes[i], Content: content})
		}
	}
	return subs, err
}

// GetAllInbounds возвращает inbound всех бордов с именем борда
func (m *Manager) GetAllInbounds(ctx context.Context) ([]panel.TaggedInbound, error) {
	m.mu.RLock()
	clients := make([]PanelClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	var (
		mu     sync.Mutex
		result []panel.TaggedInbound
		fanOut = &FanOutError{Operation: "list_inbounds", Attempted: len(clients)}
	)

	var g errgroup.Group
	g.SetLimit(m.workers)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			inbounds, err := c.ListInbounds(ctx, true)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("FLEET: Ошибка получения inbound борда %s: %v", c.BoardName(), err)
				metrics.FleetNodeFailures.WithLabelValues("list_inbounds", c.BoardName()).Inc()
				fanOut.Failures = append(fanOut.Failures, &NodeError{Operation: "list_inbounds", Board: c.BoardName(), Err: err})
				return nil
			}
			for _, in := range inbounds {
				result = append(result, panel.TaggedInbound{Inbound: in, BoardName: c.BoardName()})
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(result, func(i, j int) bool {
		if result[i].BoardName != result[j].BoardName {
			return result[i].BoardName < result[j].BoardName
		}
		return result[i].ID < result[j].ID
	})
	if len(fanOut.Failures) > 0 {
		return result, fanOut
	}
	return result, nil
}

// NodeClient клиент для массового добавления на узел
type NodeClient struct {
	Email    string
	Disabled bool
}

// AddClientsToNode создает клиентов на одном узле, используется при изменении узлов пакета.
// Отключенные пользователи сразу отключаются и на новом узле.
func (m *Manager) AddClientsToNode(ctx context.Context, board string, inboundID int, clients []NodeClient) error {
	emails := make([]string, 0, len(clients))
	disabled := make(map[string]bool)
	for _, c := range clients {
		emails = append(emails, c.Email)
		if c.Disabled {
			disabled[c.Email] = true
		}
	}
	return m.bulk(ctx, "add_clients", board, inboundID, emails, func(c PanelClient, email string) error {
		if err := c.AddClient(ctx, inboundID, email); err != nil {
			return err
		}
		if disabled[email] {
			return c.SetClientEnabled(ctx, inboundID, email, false)
		}
		return nil
	})
}

// DeleteClientsFromNode удаляет клиентов с одного узла
func (m *Manager) DeleteClientsFromNode(ctx context.Context, board string, inboundID int, emails []string) error {
	node := common.PackageNode{BoardName: board, InboundID: inboundID}
	return m.bulk(ctx, "delete_clients", board, inboundID, emails, func(c PanelClient, email string) error {
		return ignoreMissing(c.DeleteClient(ctx, inboundID, email), node, email)
	})
}

func (m *Manager) bulk(ctx context.Context, operation, board string, inboundID int, emails []string,
	fn func(c PanelClient, email string) error) error {

	fanOut := &FanOutError{Operation: operation, Attempted: len(emails)}
	client, ok := m.Client(board)
	if !ok {
		log.Printf("FLEET: %s: борд %s не настроен", operation, board)
		for range emails {
			fanOut.Failures = append(fanOut.Failures, &NodeError{Operation: operation, Board: board, InboundID: inboundID, Err: ErrUnknownBoard})
		}
		if len(emails) == 0 {
			return nil
		}
		return fanOut
	}

	for _, email := range emails {
		if err := fn(client, email); err != nil {
			log.Printf("FLEET: %s: ошибка для %s на %s/%d: %v", operation, email, board, inboundID, err)
			metrics.FleetNodeFailures.WithLabelValues(operation, board).Inc()
			fanOut.Failures = append(fanOut.Failures, &NodeError{Operation: operation, Board: board, InboundID: inboundID,
				Err: fmt.Errorf("%s: %w", email, err)})
		}
	}
	if len(fanOut.Failures) > 0 {
		return fanOut
	}
	return nil
}

func ignoreMissing(err error, node common.PackageNode, email string) error {
	if errors.Is(err, panel.ErrClientNotFound) {
		log.Printf("FLEET: Клиент %s уже отсутствует на %s/%d", email, node.BoardName, node.InboundID)
		return nil
	}
	return err
}
