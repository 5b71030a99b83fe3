//go:build linux

package kernel

import (
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/D-os/libb2/internal/registry"
	"github.com/D-os/libb2/internal/shared/id"
)

// AreaID identifies an area. It is the System V segment ID, so it is valid
// in every process that clones the area.
type AreaID int32

// AddressSpec selects where an area is placed.
type AddressSpec uint32

const (
	AnyAddress       AddressSpec = 0
	ExactAddress     AddressSpec = 1
	BaseAddress      AddressSpec = 2
	CloneAddress     AddressSpec = 3
	AnyKernelAddress AddressSpec = 4
)

// LockPolicy selects whether area pages are locked in memory.
type LockPolicy uint32

const (
	NoLock     LockPolicy = 0
	LazyLock   LockPolicy = 1
	FullLock   LockPolicy = 2
	Contiguous LockPolicy = 3
	LoMem      LockPolicy = 4
)

// Protection is the access granted to an area mapping.
type Protection uint32

const (
	ReadArea  Protection = 1
	WriteArea Protection = 2
)

// Not exported by x/sys.
const (
	shmRdonly = 0o10000
	shmRnd    = 0o20000
	shmRemap  = 0o40000

	mlockOnFault = 1
)

// PageSize is the host page size. Area sizes are multiples of it.
var PageSize = unix.Getpagesize()

// AreaInfo describes an attached area.
type AreaInfo struct {
	Area        AreaID     `json:"area"`
	Name        string     `json:"name"`
	Size        int        `json:"size"`
	Lock        LockPolicy `json:"lock"`
	Protection  Protection `json:"protection"`
	Team        TeamID     `json:"team"`
	Address     uintptr    `json:"address"`
	Attachments int        `json:"attachments"`
}

type areaRecord struct {
	node *registry.Node[*areaRecord]

	id   AreaID
	name string
	lock LockPolicy
	addr uintptr
	size int

	// prot and mem change under the areas write lock.
	prot Protection
	mem  []byte
}

// CreateArea creates a shared memory area of size bytes and attaches it.
func (t *Team) CreateArea(name string, spec AddressSpec, addr uintptr, size int, lock LockPolicy, prot Protection) (AreaID, []byte, error) {
	if size <= 0 || size%PageSize != 0 {
		return -1, nil, ErrBadValue
	}
	if t.closed.Load() {
		return -1, nil, ErrBadTeamID
	}
	if name == "" {
		name = id.AreaName()
	}

	shmid, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0o600)
	if err != nil {
		err = areaErrnos.translate("shmget", err)
		t.metrics.AreaAttach("create", err)
		return -1, nil, err
	}
	r, err := t.attachArea(shmid, name, spec, addr, size, lock, prot)
	t.metrics.AreaAttach("create", err)
	if err != nil {
		_, _ = unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
		return -1, nil, err
	}
	return r.id, r.mem, nil
}

// CloneArea attaches an existing area, from this or another team, under a
// new name. The clone shares the source's AreaID.
func (t *Team) CloneArea(name string, spec AddressSpec, addr uintptr, prot Protection, source AreaID) (AreaID, []byte, error) {
	if source < 0 {
		return -1, nil, ErrBadValue
	}
	if name == "" {
		name = id.AreaName()
	}
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(int(source), unix.IPC_STAT, &desc); err != nil {
		err = areaErrnos.translate("shmctl", err)
		t.metrics.AreaAttach("clone", err)
		return -1, nil, err
	}
	r, err := t.attachArea(int(source), name, spec, addr, int(desc.Segsz), NoLock, prot)
	t.metrics.AreaAttach("clone", err)
	if err != nil {
		return -1, nil, err
	}
	return r.id, r.mem, nil
}

// attachArea maps segment shmid and links a new record at the registry head,
// ahead of any older record for the same segment.
func (t *Team) attachArea(shmid int, name string, spec AddressSpec, addr uintptr, size int, lock LockPolicy, prot Protection) (*areaRecord, error) {
	flags := 0
	switch spec {
	case AnyAddress:
		addr = 0
	case ExactAddress:
		if addr == 0 || addr%uintptr(PageSize) != 0 {
			return nil, ErrBadValue
		}
	case BaseAddress:
		flags |= shmRnd
	default:
		return nil, ErrNotSupported
	}
	if lock > LoMem {
		return nil, ErrBadValue
	}
	if prot&WriteArea == 0 {
		flags |= shmRdonly
	}

	mem, err := unix.SysvShmAttach(shmid, addr, flags)
	if err != nil {
		return nil, areaErrnos.translate("shmat", err)
	}
	switch lock {
	case LazyLock:
		if err := lockOnFault(mem); err != nil {
			_ = unix.SysvShmDetach(mem)
			return nil, areaErrnos.translate("mlock2", err)
		}
	case Contiguous, LoMem:
		_ = unix.SysvShmDetach(mem)
		return nil, ErrNotSupported
	}

	r := &areaRecord{
		id:   AreaID(shmid),
		name: boundName(name),
		lock: lock,
		addr: uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		size: size,
		prot: prot,
		mem:  mem,
	}
	t.areas.Lock()
	r.node = t.areas.InsertFront(r)
	t.areas.Unlock()

	t.log.Debug("Area attached",
		zap.Int32("area", int32(r.id)),
		zap.String("name", r.name),
		zap.Int("size", len(mem)),
		zap.Uintptr("address", r.addr))
	return r, nil
}

// lockOnFault locks pages as they are first touched.
func lockOnFault(mem []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_MLOCK2,
		uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		uintptr(len(mem)),
		mlockOnFault)
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *Team) findArea(id AreaID) *registry.Node[*areaRecord] {
	return t.areas.FindBy(func(r *areaRecord) bool { return r.id == id })
}

// SetAreaProtection remaps the area in place with new access rights.
func (t *Team) SetAreaProtection(id AreaID, prot Protection) error {
	t.areas.RLock()
	n := t.findArea(id)
	var addr uintptr
	if n != nil {
		addr = n.Value.addr
	}
	t.areas.RUnlock()
	if n == nil {
		return ErrBadValue
	}

	flags := shmRemap
	if prot&WriteArea == 0 {
		flags |= shmRdonly
	}
	mem, err := unix.SysvShmAttach(int(id), addr, flags)
	if err != nil {
		return areaErrnos.translate("shmat", err)
	}

	t.areas.Lock()
	n.Value.prot = prot
	n.Value.mem = mem
	t.areas.Unlock()
	return nil
}

// DeleteArea detaches the area and marks its segment for removal. The
// segment disappears once every attached team has detached it.
func (t *Team) DeleteArea(id AreaID) error {
	t.areas.Lock()
	n := t.findArea(id)
	if n != nil {
		t.areas.Remove(n)
	}
	t.areas.Unlock()

	_, rmErr := unix.SysvShmCtl(int(id), unix.IPC_RMID, nil)
	if n == nil {
		if rmErr != nil {
			return areaErrnos.translate("shmctl", rmErr)
		}
		return nil
	}

	if err := unix.SysvShmDetach(n.Value.mem); err != nil {
		t.log.Warn("Failed to detach area", zap.Int32("area", int32(id)), zap.Error(err))
	}
	t.metrics.AreaDeleted()
	t.log.Debug("Area deleted", zap.Int32("area", int32(id)), zap.String("name", n.Value.name))
	return nil
}

// FindArea returns the ID of the named area.
func (t *Team) FindArea(name string) (AreaID, error) {
	name = boundName(name)
	t.areas.RLock()
	defer t.areas.RUnlock()
	if n := t.areas.FindBy(func(r *areaRecord) bool { return r.name == name }); n != nil {
		return n.Value.id, nil
	}
	return -1, ErrNameNotFound
}

// AreaFor returns the area containing addr.
func (t *Team) AreaFor(addr uintptr) (AreaID, error) {
	t.areas.RLock()
	defer t.areas.RUnlock()
	n := t.areas.FindBy(func(r *areaRecord) bool {
		return addr >= r.addr && addr < r.addr+uintptr(len(r.mem))
	})
	if n == nil {
		return -1, ErrBadValue
	}
	return n.Value.id, nil
}

// GetAreaInfo describes an attached area, merging the record with the
// segment's host state.
func (t *Team) GetAreaInfo(id AreaID) (AreaInfo, error) {
	t.areas.RLock()
	n := t.findArea(id)
	var info AreaInfo
	if n != nil {
		info = n.Value.info()
	}
	t.areas.RUnlock()
	if n == nil {
		return AreaInfo{}, ErrBadValue
	}
	return t.statArea(info)
}

// GetNextAreaInfo walks the team's areas. Start with *cookie == 0; it
// returns ErrBadValue once every area has been visited.
func (t *Team) GetNextAreaInfo(cookie *int32) (AreaInfo, error) {
	if cookie == nil || *cookie < 0 {
		return AreaInfo{}, ErrBadValue
	}
	t.areas.RLock()
	r, ok := t.areas.At(int(*cookie))
	var info AreaInfo
	if ok {
		info = r.info()
	}
	t.areas.RUnlock()
	if !ok {
		return AreaInfo{}, ErrBadValue
	}
	*cookie++
	return t.statArea(info)
}

// info snapshots the record. Requires the areas read lock.
func (r *areaRecord) info() AreaInfo {
	return AreaInfo{
		Area:       r.id,
		Name:       r.name,
		Size:       r.size,
		Lock:       r.lock,
		Protection: r.prot,
		Address:    r.addr,
	}
}

func (t *Team) statArea(info AreaInfo) (AreaInfo, error) {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(int(info.Area), unix.IPC_STAT, &desc); err != nil {
		return AreaInfo{}, areaErrnos.translate("shmctl", err)
	}
	info.Size = int(desc.Segsz)
	info.Team = TeamID(desc.Cpid)
	info.Attachments = int(desc.Nattch)
	return info, nil
}
