//go:build windows

package preflight

import "golang.org/x/sys/windows"

func diskSpace(path string) (free, total uint64, err error) {
	var avail, totalBytes, totalFree uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &totalBytes, &totalFree); err != nil {
		return 0, 0, err
	}
	return avail, totalBytes, nil
}
