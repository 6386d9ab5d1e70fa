package mylog

import (
	"fmt"
	"os"
	"time"

	"github.com/pion/logging"
)

// Rotate once the log file grows beyond this many bytes.
const maxLogFileSize = 1024 * 1024 * 50

type LogHandle struct {
	Log       *logging.DefaultLeveledLogger
	writeFile *os.File
	filename  string
}

var Logger *LogHandle

func init() {
	// Usable before Loginit so packages can log during early setup.
	Logger = new(LogHandle)
	Logger.Log = logging.NewDefaultLeveledLoggerForScope("main", logging.LogLevelInfo, os.Stdout)
}

func Loginit(filepath string, level int) {
	Logger = new(LogHandle)
	Logger.Log = logging.
		NewDefaultLeveledLoggerForScope("main", logging.LogLevel(level), os.Stdout)

	Logger.WithOutput(filepath)
	Logger.Infof("begin init logging filepath[%s]\n", filepath)
	go func() {
		for range time.Tick(500 * time.Millisecond) {
			Logger.Reset()
		}
	}()
}

func checkFileIsExist(filename string) bool {
	var exist = true
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		exist = false
	}
	return exist
}

func (log *LogHandle) WithOutput(filename string) {
	var f *os.File
	var err1 error

	if checkFileIsExist(filename) {
		f, err1 = os.OpenFile(filename, os.O_APPEND|os.O_RDWR, 0666)
		if nil != err1 {
			fmt.Println(err1)
			panic("init log file fail 1")
		}
	} else {
		f, err1 = os.Create(filename)
		if nil != err1 {
			fmt.Println(err1)
			panic("init log file fail 2")
		}
	}

	log.Log.WithOutput(f)
	log.writeFile = f
	log.filename = filename
}

// Reset rotates the log file once it exceeds maxLogFileSize. The old file
// keeps a timestamp suffix.
func (log *LogHandle) Reset() {
	if log.filename == "" {
		return
	}

	fileinfo, err := os.Stat(log.filename)
	if err != nil {
		log.Warnf("file reset os.Stat filepath[%s] err[%v] fail", log.filename, err)
		return
	}

	if fileinfo.Size() <= maxLogFileSize {
		return
	}

	dstfile := log.filename + "-" + time.Now().Format("2006-01-02 15:04:05")
	if err := os.Rename(log.filename, dstfile); err != nil {
		log.Warnf("file reset mv src[%s] to dst[%s] fail err[%v]", log.filename, dstfile, err)
		return
	}

	f, err := os.Create(log.filename)
	if err != nil {
		fmt.Println("file reset new file fail", err)
		return
	}

	log.Log.WithOutput(f)
	if nil != log.writeFile {
		log.writeFile.Close()
	}
	log.writeFile = f
	log.Warnf("file reset mv src[%s] to dstfile[%s] success", log.filename, dstfile)
}

func (log *LogHandle) SetLevel(newLevel logging.LogLevel) {
	log.Log.SetLevel(newLevel)
}

func (log *LogHandle) Warn(msg string) {
	log.Log.Warn(msg)
}

func (log *LogHandle) Warnf(format string, args ...interface{}) {
	log.Log.Warnf(format, args...)
}

func (log *LogHandle) Debug(msg string) {
	log.Log.Debug(msg)
}

func (log *LogHandle) Debugf(format string, args ...interface{}) {
	log.Log.Debugf(format, args...)
}

func (log *LogHandle) Error(msg string) {
	log.Log.Error(msg)
}

func (log *LogHandle) Errorf(format string, args ...interface{}) {
	log.Log.Errorf(format, args...)
}

func (log *LogHandle) Info(msg string) {
	log.Log.Info(msg)
}

func (log *LogHandle) Infof(format string, args ...interface{}) {
	log.Log.Infof(format, args...)
}

func (log *LogHandle) Trace(msg string) {
	log.Log.Trace(msg)
}

func (log *LogHandle) Tracef(format string, args ...interface{}) {
	log.Log.Tracef(format, args...)
}
