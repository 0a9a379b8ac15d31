package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/direct-block-store/dbs"
)

func unixTime(seconds int64) time.Time {
	return time.Unix(seconds, 0)
}

type positionalArguments struct {
	Device     string   `positional-arg-name:"device" required:"true"`
	Subcommand string   `positional-arg-name:"subcommand" required:"true"`
	Args       []string `positional-arg-name:"args"`
}

type rootParameters struct {
	Positional positionalArguments `positional-args:"yes"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	path := rootArguments.Positional.Device
	args := rootArguments.Positional.Args

	err = dispatch(path, rootArguments.Positional.Subcommand, args)
	log.PanicIf(err)
}

func dispatch(path, subcommand string, args []string) (err error) {
	switch subcommand {
	case "init_device":
		return dbs.InitDevice(path)

	case "vacuum_device":
		return dbs.VacuumDevice(path)

	case "get_device_info":
		return printDeviceInfo(path)

	case "get_volume_info":
		return printVolumeInfo(path)

	case "get_snapshot_info":
		if len(args) != 1 {
			return fmt.Errorf("get_snapshot_info requires <volume>")
		}

		return printSnapshotInfo(path, args[0])

	case "create_volume":
		if len(args) != 2 {
			return fmt.Errorf("create_volume requires <name> <size>")
		}

		sizeBytes, err := humanize.ParseBytes(args[1])
		log.PanicIf(err)

		ok, err := dbs.CreateVolume(path, args[0], sizeBytes)
		log.PanicIf(err)

		return exitUnless(ok)

	case "rename_volume":
		if len(args) != 2 {
			return fmt.Errorf("rename_volume requires <name> <new_name>")
		}

		ok, err := dbs.RenameVolume(path, args[0], args[1])
		log.PanicIf(err)

		return exitUnless(ok)

	case "delete_volume":
		if len(args) != 1 {
			return fmt.Errorf("delete_volume requires <name>")
		}

		ok, err := dbs.DeleteVolume(path, args[0])
		log.PanicIf(err)

		return exitUnless(ok)

	case "create_snapshot":
		if len(args) != 1 {
			return fmt.Errorf("create_snapshot requires <volume>")
		}

		ok, err := dbs.CreateSnapshot(path, args[0])
		log.PanicIf(err)

		return exitUnless(ok)

	case "clone_snapshot":
		if len(args) != 2 {
			return fmt.Errorf("clone_snapshot requires <new_volume> <snapshot_id>")
		}

		snapshotID, err := strconv.ParseUint(args[1], 10, 64)
		log.PanicIf(err)

		ok, err := dbs.CloneSnapshot(path, args[0], snapshotID)
		log.PanicIf(err)

		return exitUnless(ok)

	case "delete_snapshot":
		if len(args) != 1 {
			return fmt.Errorf("delete_snapshot requires <snapshot_id>")
		}

		snapshotID, err := strconv.ParseUint(args[0], 10, 64)
		log.PanicIf(err)

		ok, err := dbs.DeleteSnapshot(path, snapshotID)
		log.PanicIf(err)

		return exitUnless(ok)

	default:
		return fmt.Errorf("unknown subcommand: [%s]", subcommand)
	}
}

// exitUnless turns a false boolean result (a graceful no-op per spec.md §7)
// into a nonzero exit, without treating it as a hard error.
func exitUnless(ok bool) error {
	if ok == false {
		os.Exit(1)
	}

	return nil
}

func printDeviceInfo(path string) (err error) {
	info, err := dbs.GetDeviceInfo(path)
	log.PanicIf(err)

	fmt.Printf("Version: %d\n", info.Version)
	fmt.Printf("Device size: %s\n", humanize.Bytes(info.DeviceSize))
	fmt.Printf("Total extents: %s\n", humanize.Comma(int64(info.TotalDeviceExtents)))
	fmt.Printf("Allocated extents: %s\n", humanize.Comma(int64(info.AllocatedDeviceExtents)))

	utilization := float64(0)
	if info.TotalDeviceExtents > 0 {
		utilization = 100 * float64(info.AllocatedDeviceExtents) / float64(info.TotalDeviceExtents)
	}

	fmt.Printf("Extent utilization: %.1f%%\n", utilization)
	fmt.Printf("Volume count: %d\n", info.VolumeCount)

	return nil
}

func printVolumeInfo(path string) (err error) {
	infos, err := dbs.GetVolumeInfo(path)
	log.PanicIf(err)

	for _, vi := range infos {
		fmt.Printf(
			"%-20s %15s  created=%s  head=%d  snapshots=%d\n",
			vi.VolumeName,
			humanize.Bytes(vi.VolumeSize),
			humanize.Time(unixTime(vi.CreatedAt)),
			vi.SnapshotID,
			vi.SnapshotCount)
	}

	return nil
}

func printSnapshotInfo(path, volumeName string) (err error) {
	infos, err := dbs.GetSnapshotInfo(path, volumeName)
	log.PanicIf(err)

	for _, si := range infos {
		parent := "none"
		if si.HasParent == true {
			parent = strconv.FormatUint(si.ParentSnapshotID, 10)
		}

		fmt.Printf(
			"id=%d parent=%s created=%s\n",
			si.SnapshotID,
			parent,
			humanize.Time(unixTime(si.CreatedAt)))
	}

	return nil
}
