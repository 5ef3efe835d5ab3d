package services

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/wifivoucher/backend/internal/config"
	"github.com/wifivoucher/backend/internal/models"
)

// BuildBatchCSV renders a voucher batch as CSV for printing or import into
// a voucher-card print shop. Secrets never appear: the session token column
// is deliberately absent.
func BuildBatchCSV(vouchers []models.Voucher) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"code", "batch_id", "status", "duration_hours", "data_limit_mb", "speed_limit_kbps", "redeem_by", "qr_code_data"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, v := range vouchers {
		dataLimit := ""
		if v.DataLimitMB != nil {
			dataLimit = strconv.FormatInt(*v.DataLimitMB, 10)
		}
		speedLimit := ""
		if v.SpeedLimitKbps != nil {
			speedLimit = strconv.Itoa(*v.SpeedLimitKbps)
		}
		redeemBy := ""
		if v.RedeemBy != nil {
			redeemBy = v.RedeemBy.UTC().Format(time.RFC3339)
		}

		row := []string{
			v.Code,
			v.BatchID,
			string(v.Status),
			strconv.Itoa(v.DurationHours),
			dataLimit,
			speedLimit,
			redeemBy,
			v.QRCodeData,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UploadBatchCSV pushes a batch export to the configured FTP dropbox.
// Filename is <batchID>_<timestamp>.csv inside cfg.FTPPath.
func UploadBatchCSV(cfg *config.Config, batchID string, data []byte) (string, error) {
	if cfg.FTPHost == "" {
		return "", fmt.Errorf("FTP export is not configured")
	}

	addr := fmt.Sprintf("%s:%d", cfg.FTPHost, cfg.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return "", fmt.Errorf("FTP connection failed: %v", err)
	}
	defer conn.Quit()

	if err := conn.Login(cfg.FTPUsername, cfg.FTPPassword); err != nil {
		return "", fmt.Errorf("FTP login failed: %v", err)
	}

	if cfg.FTPPath != "" && cfg.FTPPath != "/" {
		if err := conn.ChangeDir(cfg.FTPPath); err != nil {
			if err := conn.MakeDir(cfg.FTPPath); err != nil {
				return "", fmt.Errorf("FTP directory %s unavailable: %v", cfg.FTPPath, err)
			}
			if err := conn.ChangeDir(cfg.FTPPath); err != nil {
				return "", fmt.Errorf("FTP directory %s unavailable: %v", cfg.FTPPath, err)
			}
		}
	}

	filename := fmt.Sprintf("%s_%s.csv", batchID, time.Now().UTC().Format("20060102_150405"))
	if err := conn.Stor(filename, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("FTP upload failed: %v", err)
	}

	return filename, nil
}
