package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"xuiportal/common"
)

// ListPackages возвращает пакеты вместе с узлами
func (db *DB) ListPackages() ([]common.Package, error) {
	rows, err := db.query(`SELECT id, name, total_traffic, created_at, updated_at FROM packages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пакетов: %w", err)
	}

	var packages []common.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("ошибка чтения пакета: %w", err)
		}
		packages = append(packages, *pkg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range packages {
		nodes, err := db.GetPackageNodes(packages[i].ID)
		if err != nil {
			return nil, err
		}
		packages[i].Nodes = nodes
	}
	return packages, nil
}

// GetPackage возвращает пакет с узлами
func (db *DB) GetPackage(id int64) (*common.Package, error) {
	pkg, err := scanPackage(db.queryRow(`SELECT id, name, total_traffic, created_at, updated_at FROM packages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пакета %d: %w", id, err)
	}
	if pkg.Nodes, err = db.GetPackageNodes(id); err != nil {
		return nil, err
	}
	return pkg, nil
}

func scanPackage(row interface{ Scan(...any) error }) (*common.Package, error) {
	var pkg common.Package
	var createdAt, updatedAt int64
	if err := row.Scan(&pkg.ID, &pkg.Name, &pkg.TotalTraffic, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	pkg.CreatedAt = time.Unix(createdAt, 0)
	pkg.UpdatedAt = time.Unix(updatedAt, 0)
	return &pkg, nil
}

// GetPackageNodes возвращает узлы пакета в порядке добавления
func (db *DB) GetPackageNodes(packageID int64) ([]common.PackageNode, error) {
	rows, err := db.query(`SELECT id, package_id, board_name, inbound_id, node_name, traffic_rate, created_at
		FROM package_nodes WHERE package_id = ? ORDER BY id`, packageID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения узлов пакета %d: %w", packageID, err)
	}
	defer rows.Close()

	var nodes []common.PackageNode
	for rows.Next() {
		var n common.PackageNode
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.PackageID, &n.BoardName, &n.InboundID, &n.NodeName, &n.TrafficRate, &createdAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения узла пакета: %w", err)
		}
		if n.TrafficRate < 0 {
			n.TrafficRate = common.DefaultTrafficRate
		}
		n.CreatedAt = time.Unix(createdAt, 0)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// CreatePackage создает пакет и его узлы в одной транзакции
func (db *DB) CreatePackage(pkg *common.Package) error {
	t, err := db.begin()
	if err != nil {
		return err
	}
	defer t.rollback()

	now := nowUnix()
	id, err := t.insert(`INSERT INTO packages (name, total_traffic, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		pkg.Name, pkg.TotalTraffic, now, now)
	if err != nil {
		return fmt.Errorf("ошибка создания пакета %s: %w", pkg.Name, err)
	}
	if err := insertNodes(t, id, pkg.Nodes, now); err != nil {
		return err
	}
	if err := t.commit(); err != nil {
		return fmt.Errorf("ошибка сохранения пакета %s: %w", pkg.Name, err)
	}

	pkg.ID = id
	pkg.CreatedAt = time.Unix(now, 0)
	pkg.UpdatedAt = pkg.CreatedAt
	for i := range pkg.Nodes {
		pkg.Nodes[i].PackageID = id
	}
	return nil
}

// UpdatePackage обновляет имя и квоту пакета и полностью заменяет набор узлов
func (db *DB) UpdatePackage(pkg *common.Package) error {
	t, err := db.begin()
	if err != nil {
		return err
	}
	defer t.rollback()

	now := nowUnix()
	res, err := t.exec(`UPDATE packages SET name = ?, total_traffic = ?, updated_at = ? WHERE id = ?`,
		pkg.Name, pkg.TotalTraffic, now, pkg.ID)
	if err != nil {
		return fmt.Errorf("ошибка обновления пакета %d: %w", pkg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := t.exec(`DELETE FROM package_nodes WHERE package_id = ?`, pkg.ID); err != nil {
		return fmt.Errorf("ошибка удаления узлов пакета %d: %w", pkg.ID, err)
	}
	if err := insertNodes(t, pkg.ID, pkg.Nodes, now); err != nil {
		return err
	}
	if err := t.commit(); err != nil {
		return fmt.Errorf("ошибка сохранения пакета %d: %w", pkg.ID, err)
	}
	pkg.UpdatedAt = time.Unix(now, 0)
	return nil
}

func insertNodes(t *tx, packageID int64, nodes []common.PackageNode, now int64) error {
	for i := range nodes {
		n := &nodes[i]
		if n.TrafficRate < 0 {
			n.TrafficRate = common.DefaultTrafficRate
		}
		id, err := t.insert(`INSERT INTO package_nodes (package_id, board_name, inbound_id, node_name, traffic_rate, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, packageID, n.BoardName, n.InboundID, n.NodeName, n.TrafficRate, now)
		if err != nil {
			return fmt.Errorf("ошибка добавления узла %s: %w", n.Key(), err)
		}
		n.ID = id
		n.PackageID = packageID
		n.CreatedAt = time.Unix(now, 0)
	}
	return nil
}

// DeletePackage отвязывает пользователей, удаляет узлы и сам пакет
func (db *DB) DeletePackage(id int64) error {
	t, err := db.begin()
	if err != nil {
		return err
	}
	defer t.rollback()

	now := nowUnix()
	if _, err := t.exec(`DELETE FROM user_node_status WHERE user_id IN (SELECT id FROM users WHERE package_id = ?)`, id); err != nil {
		return fmt.Errorf("ошибка сброса статусов пользователей пакета %d: %w", id, err)
	}
	if _, err := t.exec(`UPDATE users SET package_id = NULL, package_expire_time = NULL, next_reset_time = NULL,
		reset_day = 0, updated_at = ? WHERE package_id = ?`, now, id); err != nil {
		return fmt.Errorf("ошибка отвязки пользователей от пакета %d: %w", id, err)
	}
	if _, err := t.exec(`DELETE FROM package_nodes WHERE package_id = ?`, id); err != nil {
		return fmt.Errorf("ошибка удаления узлов пакета %d: %w", id, err)
	}
	res, err := t.exec(`DELETE FROM packages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления пакета %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return t.commit()
}
